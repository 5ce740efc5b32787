package refresher

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/openlist/assetengine/internal/blobstore/memblob"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/sourceregistry"
)

type fakeText struct {
	content map[string]string
	errs    map[string]string
	calls   []string
}

func newFakeText() *fakeText {
	return &fakeText{content: map[string]string{}, errs: map[string]string{}}
}

func (f *fakeText) FetchText(_ context.Context, url string, external bool) fetch.Result {
	f.calls = append(f.calls, url)
	if e, ok := f.errs[url]; ok {
		return fetch.Result{URL: url, Error: e}
	}
	c, ok := f.content[url]
	if !ok {
		return fetch.Result{URL: url, Error: "404 Not Found"}
	}
	return fetch.Result{URL: url, Content: c}
}

type fixture struct {
	refresher *Refresher
	cache     *cacheregistry.Registry
	source    *sourceregistry.Registry
	text      *fakeText
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memblob.New()
	cache := cacheregistry.New(store, nil, logger)
	source := sourceregistry.New(store, nil, nil)
	text := newFakeText()
	return &fixture{
		refresher: New(cache, source, text, nil),
		cache:     cache,
		source:    source,
		text:      text,
	}
}

func registerSource(t *testing.T, f *fixture, key domain.AssetKey, urls, cdns []string, content string) {
	t.Helper()
	u := sourceregistry.Set(urls)
	c := sourceregistry.Set(content)
	patch := sourceregistry.SourcePatch{ContentURL: &u, Content: &c}
	if cdns != nil {
		cd := sourceregistry.Set(cdns)
		patch.CDNURLs = &cd
	}
	if err := f.source.Register(context.Background(), key, patch); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestGetRemoteSuccessWritesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	body := "! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n||x^"
	f.text.content["https://h/e.txt"] = body
	registerSource(t, f, "easylist", []string{"https://h/e.txt"}, nil, "")
	f.source.RecordLastError(ctx, "easylist", "ENOTFOUND")

	res := f.refresher.GetRemote(ctx, "easylist", Options{})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Content != body {
		t.Fatalf("got %q", res.Content)
	}

	e, ok := f.cache.Get(ctx, "easylist")
	if !ok {
		t.Fatal("cache entry missing")
	}
	if e.ResourceTime != 1704067200000 {
		t.Fatalf("resourceTime = %d", e.ResourceTime)
	}
	if e.RemoteURL != "https://h/e.txt" {
		t.Fatalf("remoteURL = %q", e.RemoteURL)
	}

	d, _ := f.source.Get(ctx, "easylist")
	if d.LastError != nil {
		t.Fatal("lastError must be cleared on success")
	}
}

func TestGetRemoteStaleRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.cache.Write(ctx, "easylist", cacheregistry.WriteDetails{Content: "||cached^", ResourceTime: 2000}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Remote copy with resource time 1000, older than the cached 2000.
	f.text.content["https://h/e.txt"] = "! Last-Modified: Thu, 01 Jan 1970 00:00:01 GMT\n||old^"
	registerSource(t, f, "easylist", []string{"https://h/e.txt"}, nil, "")

	res := f.refresher.GetRemote(ctx, "easylist", Options{})
	if res.Error != "" {
		t.Fatalf("staleness must not surface an error, got %q", res.Error)
	}
	if res.Content != "" {
		t.Fatalf("stale fetch must not return content, got %q", res.Content)
	}

	read := f.cache.Read(ctx, "easylist", false)
	if read.Content != "||cached^" {
		t.Fatalf("cached content mutated: %q", read.Content)
	}
	e, _ := f.cache.Get(ctx, "easylist")
	if e.WriteTime != 2000 {
		t.Fatalf("writeTime = %d, want reset to cached resourceTime 2000", e.WriteTime)
	}
	if e.ResourceTime != 2000 {
		t.Fatalf("resourceTime = %d, want unchanged 2000", e.ResourceTime)
	}
}

func TestGetRemoteFallsBackToNextURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.text.errs["https://h/a.txt"] = "500 Internal Server Error"
	f.text.content["https://h/b.txt"] = "||b^"
	registerSource(t, f, "easylist", []string{"https://h/a.txt", "https://h/b.txt"}, nil, "")

	res := f.refresher.GetRemote(ctx, "easylist", Options{})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Content != "||b^" {
		t.Fatalf("got %q", res.Content)
	}
}

func TestGetRemoteAllFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.text.errs["https://h/a.txt"] = "500 Internal Server Error"
	registerSource(t, f, "easylist", []string{"https://h/a.txt"}, nil, "")

	res := f.refresher.GetRemote(ctx, "easylist", Options{})
	if res.Error != ErrNotFound {
		t.Fatalf("error = %q, want %q", res.Error, ErrNotFound)
	}
	d, _ := f.source.Get(ctx, "easylist")
	if d.LastError == nil {
		t.Fatal("lastError must be recorded")
	}
}

func TestGetRemoteCDNFirstWhenServerFriendly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.text.content["https://origin.example/a.txt"] = "||o^"
	f.text.content["https://cdn.example/a.txt"] = "||c^"
	registerSource(t, f, "easylist", []string{"https://origin.example/a.txt"}, []string{"https://cdn.example/a.txt"}, "")

	res := f.refresher.GetRemote(ctx, "easylist", Options{RemoteServerFriendly: true})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if len(f.text.calls) == 0 || f.text.calls[0] != "https://cdn.example/a.txt" {
		t.Fatalf("expected CDN tried first, calls: %v", f.text.calls)
	}
}

func TestGetRemoteAssetsJSONRewrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.text.content["https://dev.example/assets.json"] = `{"easylist": {}}`
	registerSource(t, f, "assets.json", []string{"https://h/assets/assets.json"}, nil, "")

	res := f.refresher.GetRemote(ctx, "assets.json", Options{AssetsJSONPath: "https://dev.example/assets.json"})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if f.text.calls[0] != "https://dev.example/assets.json" {
		t.Fatalf("expected rewritten URL fetched, got %v", f.text.calls)
	}
}

func TestGetRemoteStoresFilterMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	body := "! Expires: 4 days\n! Diff-Name: easylist-7\n! Diff-Path: patches/easylist.diff\n! Diff-Expires: 6 hours\n||x^"
	f.text.content["https://h/e.txt"] = body
	registerSource(t, f, "easylist", []string{"https://h/e.txt"}, nil, "filters")

	res := f.refresher.GetRemote(ctx, "easylist", Options{})
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}

	e, _ := f.cache.Get(ctx, "easylist")
	if e.Expires != 4 {
		t.Errorf("expires = %v, want 4", e.Expires)
	}
	if e.DiffName != "easylist-7" {
		t.Errorf("diffName = %q", e.DiffName)
	}
	if e.DiffPath != "patches/easylist.diff" {
		t.Errorf("diffPath = %q", e.DiffPath)
	}
	if e.DiffExpires != 0.25 {
		t.Errorf("diffExpires = %v, want 0.25", e.DiffExpires)
	}
}

func TestGetRemoteCircuitBreaksFailingHost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.text.errs["https://bad.example/a.txt"] = "503 Service Unavailable"
	registerSource(t, f, "easylist", []string{"https://bad.example/a.txt"}, nil, "")

	for i := 0; i < 4; i++ {
		f.refresher.GetRemote(ctx, "easylist", Options{})
	}
	if len(f.text.calls) != 3 {
		t.Fatalf("expected breaker to open after 3 consecutive failures, got %d calls", len(f.text.calls))
	}
}
