package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openlist/assetengine/internal/blobstore/memblob"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/observerbus"
	"github.com/openlist/assetengine/internal/refresher"
	"github.com/openlist/assetengine/internal/sourceregistry"
)

type fakeText struct {
	mu      sync.Mutex
	content map[string]string
	calls   []string
}

func newFakeText() *fakeText {
	return &fakeText{content: map[string]string{}}
}

func (f *fakeText) FetchText(_ context.Context, url string, external bool) fetch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	c, ok := f.content[url]
	if !ok {
		return fetch.Result{URL: url, Error: "404 Not Found"}
	}
	return fetch.Result{URL: url, Content: c}
}

func (f *fakeText) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	sched  *Scheduler
	cache  *cacheregistry.Registry
	source *sourceregistry.Registry
	bus    *observerbus.Bus
	text   *fakeText
	done   chan AfterAssetsUpdatedEvent
}

// newFixture seeds the store with cache entries before the registry is
// created, so their readTime predates the registry's start time unless
// the test says otherwise.
func newFixture(t *testing.T, entries map[domain.AssetKey]domain.CacheEntry) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memblob.New()
	ctx := context.Background()

	if len(entries) > 0 {
		snapshot, err := json.Marshal(entries)
		if err != nil {
			t.Fatalf("marshal seed: %v", err)
		}
		values := map[string][]byte{cacheregistry.StorageKey: snapshot}
		for k := range entries {
			values[cacheregistry.ContentPrefix+string(k)] = []byte("||seed^")
		}
		if err := store.Set(ctx, values); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	bus := observerbus.New()
	cache := cacheregistry.New(store, bus, logger)
	source := sourceregistry.New(store, bus, nil)
	text := newFakeText()
	refr := refresher.New(cache, source, text, nil)
	sched := New(cache, source, refr, nil, bus, logger, nil)

	f := &fixture{sched: sched, cache: cache, source: source, bus: bus, text: text, done: make(chan AfterAssetsUpdatedEvent, 1)}
	bus.Add(func(_ context.Context, details any) any {
		ev := details.(observerbus.Event)
		if ev.Topic == TopicAfterAssetsUpdated {
			f.done <- ev.Details.(AfterAssetsUpdatedEvent)
		}
		return nil
	})
	return f
}

func registerRemote(t *testing.T, f *fixture, key domain.AssetKey, url string) {
	t.Helper()
	u := sourceregistry.Set([]string{url})
	if err := f.source.Register(context.Background(), key, sourceregistry.SourcePatch{ContentURL: &u}); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func waitForCycle(t *testing.T, f *fixture) AfterAssetsUpdatedEvent {
	t.Helper()
	select {
	case ev := <-f.done:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("update cycle did not finish")
		return AfterAssetsUpdatedEvent{}
	}
}

func TestCycleRefreshesOldestFirst(t *testing.T) {
	future := time.Now().UnixMilli() + int64(time.Hour/time.Millisecond)
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"newer": {WriteTime: 2000, ReadTime: future},
		"older": {WriteTime: 1000, ReadTime: future},
	})
	registerRemote(t, f, "older", "https://h/older.txt")
	registerRemote(t, f, "newer", "https://h/newer.txt")
	f.text.content["https://h/older.txt"] = "||older^"
	f.text.content["https://h/newer.txt"] = "||newer^"

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 10 * time.Millisecond})
	ev := waitForCycle(t, f)

	calls := f.text.callList()
	if len(calls) != 2 {
		t.Fatalf("expected both assets refreshed, calls: %v", calls)
	}
	if calls[0] != "https://h/older.txt" {
		t.Fatalf("oldest writeTime must refresh first, calls: %v", calls)
	}
	if len(ev.Updated) != 2 {
		t.Fatalf("updated = %v", ev.Updated)
	}
}

func TestVetoKeepsUnusedEntryAsCandidate(t *testing.T) {
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"k": {WriteTime: 1, ReadTime: 1}, // untouched since before process start
	})
	registerRemote(t, f, "k", "https://h/k.txt")
	f.text.content["https://h/k.txt"] = "||k^"

	f.bus.Add(func(_ context.Context, details any) any {
		ev := details.(observerbus.Event)
		if ev.Topic == TopicBeforeAssetUpdated && ev.Details == domain.AssetKey("k") {
			return true
		}
		return nil
	})

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 10 * time.Millisecond})
	waitForCycle(t, f)

	if _, ok := f.cache.Get(context.Background(), "k"); !ok {
		t.Fatal("vetoed entry must not be garbage-collected")
	}
	calls := f.text.callList()
	count := 0
	for _, u := range calls {
		if u == "https://h/k.txt" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("key must be fetched exactly once per cycle, got %d", count)
	}
}

func TestGCRemovesUnusedEntries(t *testing.T) {
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"k": {WriteTime: 1, ReadTime: 1},
	})
	registerRemote(t, f, "k", "https://h/k.txt")
	f.text.content["https://h/k.txt"] = "||k^"

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 10 * time.Millisecond})
	waitForCycle(t, f)

	if _, ok := f.cache.Get(context.Background(), "k"); ok {
		t.Fatal("unused entry must be garbage-collected at cycle start")
	}
	if len(f.text.callList()) != 0 {
		t.Fatalf("collected entry must not be fetched, calls: %v", f.text.callList())
	}
}

func TestFreshEntriesAreSkipped(t *testing.T) {
	now := time.Now().UnixMilli()
	future := now + int64(time.Hour/time.Millisecond)
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"fresh": {WriteTime: now, ReadTime: future, Expires: 4},
	})
	registerRemote(t, f, "fresh", "https://h/fresh.txt")
	f.text.content["https://h/fresh.txt"] = "||fresh^"

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 10 * time.Millisecond})
	waitForCycle(t, f)

	if len(f.text.callList()) != 0 {
		t.Fatalf("entry within its TTL must not be refetched, calls: %v", f.text.callList())
	}
}

func TestDelayNeverRisesWithinCycle(t *testing.T) {
	future := time.Now().UnixMilli() + int64(time.Hour/time.Millisecond)
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"a": {WriteTime: 1000, ReadTime: future},
		"b": {WriteTime: 2000, ReadTime: future},
	})
	registerRemote(t, f, "a", "https://h/a.txt")
	registerRemote(t, f, "b", "https://h/b.txt")
	f.text.content["https://h/a.txt"] = "||a^"
	f.text.content["https://h/b.txt"] = "||b^"

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 3 * time.Second})
	if !f.sched.IsUpdating() {
		t.Fatal("a 3s-delay cycle must count as a manual update")
	}

	// A later request with a longer delay must not slow the active cycle.
	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 30 * time.Second})
	if !f.sched.IsUpdating() {
		t.Fatal("delay must not rise above its prior value within one cycle")
	}

	f.sched.UpdateStop()
	if f.sched.Status() != StatusIdle {
		t.Fatal("stop must finalize the cycle")
	}
	select {
	case <-f.done:
	default:
	}
}

func TestUpdateStopCancelsNextTick(t *testing.T) {
	future := time.Now().UnixMilli() + int64(time.Hour/time.Millisecond)
	f := newFixture(t, map[domain.AssetKey]domain.CacheEntry{
		"a": {WriteTime: 1000, ReadTime: future},
		"b": {WriteTime: 2000, ReadTime: future},
	})
	registerRemote(t, f, "a", "https://h/a.txt")
	registerRemote(t, f, "b", "https://h/b.txt")
	f.text.content["https://h/a.txt"] = "||a^"
	f.text.content["https://h/b.txt"] = "||b^"

	f.sched.UpdateStart(context.Background(), StartOptions{Delay: 5 * time.Second})
	f.sched.UpdateStop()

	if f.sched.Status() != StatusIdle {
		t.Fatal("expected idle after stop")
	}
	// Only the first asset was refreshed before the stop.
	if got := len(f.text.callList()); got != 1 {
		t.Fatalf("expected exactly one fetch before stop, got %d", got)
	}
}
