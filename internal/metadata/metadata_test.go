package metadata

import "testing"

func TestExtractFieldsBasic(t *testing.T) {
	content := "! Title: EasyList\n! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n! Expires: 2d\n||a.com^\n"
	got := ExtractFields(content, []string{"Last-Modified", "Expires", "Diff-Path"})
	if got["Last-Modified"] != "Mon, 01 Jan 2024 00:00:00 GMT" {
		t.Fatalf("Last-Modified = %q", got["Last-Modified"])
	}
	if got["Expires"] != "2d" {
		t.Fatalf("Expires = %q", got["Expires"])
	}
	if _, ok := got["Diff-Path"]; ok {
		t.Fatalf("Diff-Path should be absent")
	}
}

func TestExtractFieldsTemplatePlaceholderDropped(t *testing.T) {
	content := "! Diff-Path: %diff_path%\n"
	got := ExtractFields(content, []string{"Diff-Path"})
	if _, ok := got["Diff-Path"]; ok {
		t.Fatalf("template placeholder should be dropped, got %q", got["Diff-Path"])
	}
}

func TestExtractFieldsHyphenCaseInsensitive(t *testing.T) {
	content := "# last modified: Mon, 01 Jan 2024 00:00:00 GMT\n"
	got := ExtractFields(content, []string{"Last-Modified"})
	if got["Last-Modified"] == "" {
		t.Fatalf("expected match regardless of hyphen/case/space")
	}
}

func TestExtractFieldsOnlyScansFirstKiB(t *testing.T) {
	padding := make([]byte, 2000)
	for i := range padding {
		padding[i] = ' '
	}
	content := string(padding) + "\n! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n"
	got := ExtractFields(content, []string{"Last-Modified"})
	if _, ok := got["Last-Modified"]; ok {
		t.Fatalf("field beyond 1024 runes should not be found")
	}
}

func TestParseLastModified(t *testing.T) {
	got := ParseLastModified("Mon, 01 Jan 2024 00:00:00 GMT")
	if got != 1704067200000 {
		t.Fatalf("got %d, want 1704067200000", got)
	}
	if ParseLastModified("not a date") != 0 {
		t.Fatalf("expected 0 on parse failure")
	}
	if ParseLastModified("") != 0 {
		t.Fatalf("expected 0 on empty input")
	}
}

func TestParseExpires(t *testing.T) {
	cases := []struct {
		kind ExpiresKind
		raw  string
		want float64
	}{
		{ExpiresField, "2d", 2},
		{ExpiresField, "12h", 0.5},
		{ExpiresField, "garbage", 0},
		{ExpiresField, "0d", 0.5},
		{DiffExpiresField, "0d", 0.25},
		{DiffExpiresField, "1h", 0.25},
	}
	for _, c := range cases {
		got := ParseExpires(c.kind, c.raw)
		if got != c.want {
			t.Errorf("ParseExpires(%v, %q) = %v, want %v", c.kind, c.raw, got, c.want)
		}
	}
}

func TestIsDiffUpdatableAsset(t *testing.T) {
	if IsDiffUpdatableAsset("! Diff-Path: diffs/easylist\n") != true {
		t.Fatalf("expected diff-updatable")
	}
	if IsDiffUpdatableAsset("! Diff-Path: %diff_path%\n") != false {
		t.Fatalf("template placeholder must not count as diff-updatable")
	}
	if IsDiffUpdatableAsset("||a.com^\n") != false {
		t.Fatalf("no Diff-Path header must not count as diff-updatable")
	}
}
