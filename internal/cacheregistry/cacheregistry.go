// Package cacheregistry implements the persistent asset key -> cache
// metadata map plus content-blob access. Metadata for all keys lives in
// one JSON snapshot; each asset's text lives in its own storage slot so
// a metadata save never rewrites content.
package cacheregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openlist/assetengine/internal/blobstore"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/observerbus"
)

// StorageKey is where the registry's JSON snapshot is persisted.
const StorageKey = "assetCacheRegistry"

// ContentPrefix is prepended to an asset key to form its content blob's
// storage key.
const ContentPrefix = "cache/"

// TopicAfterAssetUpdated fires once per write/remove.
const TopicAfterAssetUpdated = "after-asset-updated"

const readTimeSaveDebounce = 30 * time.Second

// ErrNotFound is the in-band error for a missing entry or content blob.
const ErrNotFound = "ENOTFOUND"

// Pattern selects cache entries for Remove/MarkAsDirty: one or more
// exact keys, or a regular expression.
type Pattern struct {
	Exact []domain.AssetKey
	Regex *regexp.Regexp
}

// ExactKey builds a Pattern matching one key.
func ExactKey(key domain.AssetKey) Pattern { return Pattern{Exact: []domain.AssetKey{key}} }

// Keys builds a Pattern matching a set of keys (array-membership form).
func Keys(keys []domain.AssetKey) Pattern { return Pattern{Exact: keys} }

// ByRegex builds a Pattern matching keys against re.
func ByRegex(re *regexp.Regexp) Pattern { return Pattern{Regex: re} }

func (p Pattern) matches(key domain.AssetKey) bool {
	if p.Regex != nil {
		return p.Regex.MatchString(string(key))
	}
	for _, k := range p.Exact {
		if k == key {
			return true
		}
	}
	return false
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	AssetKey domain.AssetKey
	Content  string
	Error    string
}

// WriteDetails is the input to Write.
type WriteDetails struct {
	Content      string
	ResourceTime int64
	URL          string // remoteURL, if the write came from a remote fetch
}

var compiledKeyPattern = regexp.MustCompile(`^(compiled|selfie)/`)

// SkipsReadTimeUpdate reports whether key is a compiled/selfie key.
// Those are read at every launch; bumping readTime for them would
// trigger a registry save on startup for no scheduling benefit.
func SkipsReadTimeUpdate(key domain.AssetKey) bool {
	return compiledKeyPattern.MatchString(string(key))
}

// Registry is the persistent cache registry plus content-blob accessor.
type Registry struct {
	store  blobstore.Store
	bus    *observerbus.Bus
	now    func() time.Time
	log    *slog.Logger
	loadSF singleflight.Group
	keySF  singleflight.Group // serializes concurrent reads of the same key

	mu         sync.Mutex
	entries    map[domain.AssetKey]domain.CacheEntry
	loaded     bool
	generation int64 // bumped on every mutation; detects a load racing a mutation
	dirty      bool
	saveTmr    *time.Timer

	startTime int64 // process start, the GC threshold for unused entries
}

// New creates a Registry.
func New(store blobstore.Store, bus *observerbus.Bus, log *slog.Logger) *Registry {
	if bus == nil {
		bus = observerbus.New()
	}
	if log == nil {
		log = slog.Default()
	}
	now := time.Now
	return &Registry{
		store:     store,
		bus:       bus,
		now:       now,
		log:       log,
		entries:   make(map[domain.AssetKey]domain.CacheEntry),
		startTime: now().UnixMilli(),
	}
}

// StartTime returns the registry's creation time in epoch ms. The
// scheduler evicts entries whose readTime predates it (unused since
// process start).
func (r *Registry) StartTime() int64 { return r.startTime }

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	gen := r.generation
	r.mu.Unlock()

	_, err, _ := r.loadSF.Do("load", func() (any, error) {
		raw, getErr := r.store.Get(ctx, StorageKey)
		var entries map[domain.AssetKey]domain.CacheEntry
		if getErr == nil {
			if jsonErr := json.Unmarshal(raw, &entries); jsonErr != nil {
				entries = nil
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.loaded {
			return nil, nil
		}
		if r.generation != gen {
			// A mutation raced ahead of this load. Overwriting the
			// in-memory entries with the loaded snapshot would lose the
			// mutation, so the snapshot is discarded and the race logged.
			r.log.Warn("cacheregistry: concurrent mutation during load, discarding loaded snapshot",
				"loadedGeneration", gen, "currentGeneration", r.generation)
			r.loaded = true
			return nil, nil
		}
		if entries != nil {
			r.entries = entries
		}
		r.loaded = true
		return nil, nil
	})
	return err
}

func (r *Registry) bumpGeneration() {
	r.generation++
}

// Read fetches key's content blob. updateReadTime bumps the entry's
// readTime and schedules a debounced registry save; callers pass false
// for compiled/selfie keys.
func (r *Registry) Read(ctx context.Context, key domain.AssetKey, updateReadTime bool) ReadResult {
	// Concurrent reads of the same key collapse into one storage
	// round-trip.
	v, _, _ := r.keySF.Do("read:"+string(key), func() (any, error) {
		return r.readLocked(ctx, key, updateReadTime), nil
	})
	return v.(ReadResult)
}

func (r *Registry) readLocked(ctx context.Context, key domain.AssetKey, updateReadTime bool) ReadResult {
	if err := r.ensureLoaded(ctx); err != nil {
		return ReadResult{AssetKey: key, Error: ErrNotFound}
	}

	r.mu.Lock()
	_, known := r.entries[key]
	r.mu.Unlock()
	if !known {
		return ReadResult{AssetKey: key, Error: ErrNotFound}
	}

	raw, err := r.store.Get(ctx, ContentPrefix+string(key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return ReadResult{AssetKey: key, Error: ErrNotFound}
		}
		return ReadResult{AssetKey: key, Error: err.Error()}
	}

	content := contentOrEmptyIfBinary(raw)

	if updateReadTime {
		r.mu.Lock()
		e := r.entries[key]
		e.ReadTime = r.now().UnixMilli()
		r.entries[key] = e
		r.dirty = true
		r.bumpGeneration()
		r.mu.Unlock()
		r.scheduleSave(ctx, readTimeSaveDebounce)
	}

	return ReadResult{AssetKey: key, Content: content}
}

// contentOrEmptyIfBinary treats binary blobs as empty content.
func contentOrEmptyIfBinary(raw []byte) string {
	for _, b := range raw {
		if b == 0 {
			return ""
		}
	}
	return string(raw)
}

// Write persists key's content and updates its cache metadata. Empty
// content delegates to Remove.
func (r *Registry) Write(ctx context.Context, key domain.AssetKey, details WriteDetails, silent bool) error {
	if details.Content == "" {
		return r.Remove(ctx, ExactKey(key), silent)
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	if err := r.store.Set(ctx, map[string][]byte{ContentPrefix + string(key): []byte(details.Content)}); err != nil {
		return fmt.Errorf("cacheregistry: write content blob: %w", err)
	}

	now := r.now().UnixMilli()
	r.mu.Lock()
	e := r.entries[key]
	e.WriteTime = now
	e.ReadTime = now
	e.ResourceTime = details.ResourceTime
	if details.URL != "" {
		e.RemoteURL = details.URL
	}
	r.entries[key] = e
	r.dirty = true
	r.bumpGeneration()
	r.mu.Unlock()

	r.scheduleSave(ctx, 0) // content writes persist without the 30s debounce

	if !silent {
		r.bus.FireContext(ctx, TopicAfterAssetUpdated, AfterAssetUpdatedEvent{AssetKey: key})
	}
	return nil
}

// AfterAssetUpdatedEvent is the payload fired on TopicAfterAssetUpdated.
type AfterAssetUpdatedEvent struct {
	AssetKey domain.AssetKey
}

// DetailsPatch carries field updates for SetDetails; a nil pointer
// leaves the current value as-is.
type DetailsPatch struct {
	Expires     *float64
	DiffExpires *float64
	DiffName    *string
	DiffPath    *string
	WriteTime   *int64
	RemoteURL   *string
}

func (r *Registry) SetDetails(ctx context.Context, key domain.AssetKey, patch DetailsPatch) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	e, existed := r.entries[key]
	changed := false
	if patch.Expires != nil {
		e.Expires = *patch.Expires
		changed = true
	}
	if patch.DiffExpires != nil {
		e.DiffExpires = *patch.DiffExpires
		changed = true
	}
	if patch.DiffName != nil {
		e.DiffName = *patch.DiffName
		changed = true
	}
	if patch.DiffPath != nil {
		e.DiffPath = *patch.DiffPath
		changed = true
	}
	if patch.WriteTime != nil {
		e.WriteTime = *patch.WriteTime
		changed = true
	}
	if patch.RemoteURL != nil {
		e.RemoteURL = *patch.RemoteURL
		changed = true
	}
	if changed {
		r.entries[key] = e
		r.dirty = true
		r.bumpGeneration()
		_ = existed
	}
	r.mu.Unlock()
	if changed {
		r.scheduleSave(ctx, 0)
	}
	return nil
}

// MarkAsDirty sets writeTime = 0 for every matching entry not in
// exclude. Content is left in place; the next update cycle treats the
// entry as obsolete.
func (r *Registry) MarkAsDirty(ctx context.Context, pattern Pattern, exclude []domain.AssetKey) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	excluded := make(map[domain.AssetKey]bool, len(exclude))
	for _, k := range exclude {
		excluded[k] = true
	}

	r.mu.Lock()
	changed := false
	for k, e := range r.entries {
		if excluded[k] || !pattern.matches(k) {
			continue
		}
		e.WriteTime = 0
		r.entries[k] = e
		changed = true
	}
	if changed {
		r.dirty = true
		r.bumpGeneration()
	}
	r.mu.Unlock()
	if changed {
		r.scheduleSave(ctx, 0)
	}
	return nil
}

// Remove deletes every entry matching pattern plus its content blob,
// firing after-asset-updated per removed key unless silent.
func (r *Registry) Remove(ctx context.Context, pattern Pattern, silent bool) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	var toRemove []domain.AssetKey
	for k := range r.entries {
		if pattern.matches(k) {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range toRemove {
		delete(r.entries, k)
	}
	if len(toRemove) > 0 {
		r.dirty = true
		r.bumpGeneration()
	}
	r.mu.Unlock()

	if len(toRemove) == 0 {
		return nil
	}

	blobKeys := make([]string, len(toRemove))
	for i, k := range toRemove {
		blobKeys[i] = ContentPrefix + string(k)
	}
	if err := r.store.Remove(ctx, blobKeys); err != nil {
		return fmt.Errorf("cacheregistry: remove content blobs: %w", err)
	}
	r.scheduleSave(ctx, 0)

	if !silent {
		for _, k := range toRemove {
			r.bus.FireContext(ctx, TopicAfterAssetUpdated, AfterAssetUpdatedEvent{AssetKey: k})
		}
	}
	return nil
}

// Get returns key's cache entry, if present.
func (r *Registry) Get(ctx context.Context, key domain.AssetKey) (domain.CacheEntry, bool) {
	if err := r.ensureLoaded(ctx); err != nil {
		return domain.CacheEntry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// All returns a snapshot of every cache entry.
func (r *Registry) All(ctx context.Context) map[domain.AssetKey]domain.CacheEntry {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.AssetKey]domain.CacheEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// scheduleSave debounces a persistence write. delay == 0 saves on the
// next tick, still collapsing with any other pending save in flight.
func (r *Registry) scheduleSave(ctx context.Context, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveTmr != nil {
		r.saveTmr.Stop()
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	r.saveTmr = time.AfterFunc(delay, func() {
		if err := r.save(ctx); err != nil {
			r.log.Error("cacheregistry: save failed", "error", err)
		}
	})
}

// Flush forces an immediate synchronous save.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.saveTmr != nil {
		r.saveTmr.Stop()
		r.saveTmr = nil
	}
	r.mu.Unlock()
	return r.save(ctx)
}

func (r *Registry) save(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := make(map[domain.AssetKey]domain.CacheEntry, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("cacheregistry: marshal snapshot: %w", err)
	}
	return r.store.Set(ctx, map[string][]byte{StorageKey: data})
}
