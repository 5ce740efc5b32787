package diffworker

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/klauspost/compress/zstd"
)

const testBundle = `diff easylist-1
= 1
- 1
+ ||new^
= *
enddiff
diff other-2
= *
enddiff
`

func TestParsePatchSection(t *testing.T) {
	ops, err := parsePatchSection([]byte(testBundle), "easylist-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("expected 4 ops, got %d", len(ops))
	}
	if ops[2].kind != "add" || ops[2].line != "||new^" {
		t.Fatalf("unexpected add op: %+v", ops[2])
	}
}

func TestParsePatchSectionMissingName(t *testing.T) {
	if _, err := parsePatchSection([]byte(testBundle), "nope"); err == nil {
		t.Fatal("expected error for missing diff name")
	}
}

func TestApplyPatch(t *testing.T) {
	ops, err := parsePatchSection([]byte(testBundle), "easylist-1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := applyPatch("! Title: x\n||old^\n||keep^", ops)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := "! Title: x\n||new^\n||keep^"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyPatchPastEndFails(t *testing.T) {
	ops := []patchOp{{kind: "copy", n: 10}}
	if _, err := applyPatch("one\ntwo", ops); err == nil {
		t.Fatal("expected error copying past end of input")
	}
}

func TestMaybeDecompressZstd(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte(testBundle)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := maybeDecompress(buf.Bytes())
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != testBundle {
		t.Fatalf("round-trip mismatch")
	}
}

func TestMaybeDecompressPassthrough(t *testing.T) {
	out, err := maybeDecompress([]byte("plain text"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "plain text" {
		t.Fatalf("got %q", out)
	}
}

func TestFetchPatchFallsBackToCDN(t *testing.T) {
	calls := []string{}
	w := NewInProcessWorker(func(_ context.Context, url string) ([]byte, error) {
		calls = append(calls, url)
		if url == "https://cdn.example/patches/easylist.diff" {
			return []byte("bundle"), nil
		}
		return nil, fmt.Errorf("unreachable")
	}, nil)

	raw, used, err := w.fetchPatch(context.Background(), Candidate{
		Name:      "easylist",
		PatchPath: "patches/easylist.diff",
		CDNURLs:   []string{"https://cdn.example"},
	})
	if err != nil {
		t.Fatalf("fetchPatch: %v", err)
	}
	if string(raw) != "bundle" {
		t.Fatalf("got %q", raw)
	}
	if used != "https://cdn.example/patches/easylist.diff" {
		t.Fatalf("used %q", used)
	}
	if len(calls) != 2 {
		t.Fatalf("expected primary then CDN, got %v", calls)
	}
}
