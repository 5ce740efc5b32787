package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openlist/assetengine/internal/blobstore/memblob"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/getengine"
	"github.com/openlist/assetengine/internal/observerbus"
	"github.com/openlist/assetengine/internal/refresher"
	"github.com/openlist/assetengine/internal/scheduler"
	"github.com/openlist/assetengine/internal/sourceregistry"
	"github.com/openlist/assetengine/internal/usersettings"
)

func newTestServer(t *testing.T) (*Server, *cacheregistry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memblob.New()
	bus := observerbus.New()
	cache := cacheregistry.New(store, bus, logger)
	source := sourceregistry.New(store, bus, nil)
	settings := usersettings.New(store)
	text := getengine.NewTextFetcher(fetch.NewClient(""), "", nil)
	eng := getengine.New(cache, source, settings, text, nil)
	refr := refresher.New(cache, source, text, nil)
	sched := scheduler.New(cache, source, refr, nil, bus, logger, nil)
	return New(eng, sched, source, cache, nil, logger), cache
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	srv, cache := newTestServer(t)
	if err := cache.Write(context.Background(), "easylist", cacheregistry.WriteDetails{Content: "||a^"}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Updating {
		t.Error("expected idle scheduler")
	}
	if body.CachedAssets != 1 {
		t.Errorf("CachedAssets = %d, want 1", body.CachedAssets)
	}
}

func TestAssetServesCachedContent(t *testing.T) {
	srv, cache := newTestServer(t)
	if err := cache.Write(context.Background(), "easylist", cacheregistry.WriteDetails{Content: "! Title: x\n||a.com^"}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/asset?key=easylist")
	if err != nil {
		t.Fatalf("GET /asset: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "! Title: x\n||a.com^" {
		t.Fatalf("got %q", body)
	}
}

func TestAssetMissingKeyParam(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/asset")
	if err != nil {
		t.Fatalf("GET /asset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateStopIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/update/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /update/stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
