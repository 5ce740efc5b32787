// Package sourceregistry implements the persistent asset key -> source
// descriptor map: where each asset can be fetched, its refresh TTL, and
// its last fetch error. The registry is seeded from an assets.json
// payload and kept in sync with subsequent payloads, preserving
// user-submitted entries across reingests.
package sourceregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openlist/assetengine/internal/blobstore"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/observerbus"
)

// StorageKey is where the registry's JSON snapshot is persisted.
const StorageKey = "assetSourceRegistry"

// Observer topics fired on this registry.
const (
	TopicAssetsJSONUpdated       = "assets.json-updated"
	TopicBuiltinAssetSourceAdded = "builtin-asset-source-added"
)

const saveDebounce = 500 * time.Millisecond

var externalURLPattern = regexp.MustCompile(`^[a-z-]+://`)

// Patch expresses presence-vs-absence explicitly: a field set to Clear
// resets the target to its zero value in Register's merge semantics.
type Patch[T any] struct {
	Clear bool
	Value T
}

// Set returns a non-clearing patch carrying value.
func Set[T any](value T) Patch[T] { return Patch[T]{Value: value} }

// Clear returns a clearing patch for field type T.
func Clear[T any]() Patch[T] { return Patch[T]{Clear: true} }

// SourcePatch carries merge-semantics field updates for Register. A nil
// pointer field means "leave the current value as-is"; an explicit Patch
// value means "apply (possibly clearing) this field".
type SourcePatch struct {
	ContentURL  *Patch[[]string]
	CDNURLs     *Patch[[]string]
	Content     *Patch[string]
	UpdateAfter *Patch[float64]
	Off         *Patch[bool]
	External    *Patch[bool]
	Submitter   *Patch[string]
	Birthtime   *Patch[int64]
}

// Bootstrapper fetches the initial assets.json payload on first run:
// the bootstrap location first, then the built-in assets.json path as a
// fallback.
type Bootstrapper interface {
	FetchBootstrapLocation(ctx context.Context) (json.RawMessage, error)
	FetchAssetsJSONPath(ctx context.Context) (json.RawMessage, error)
}

// Registry is the persistent source registry.
type Registry struct {
	store  blobstore.Store
	bus    *observerbus.Bus
	boot   Bootstrapper
	now    func() time.Time
	loadSF singleflight.Group

	mu      sync.Mutex
	entries map[domain.AssetKey]domain.SourceDescriptor
	loaded  bool
	dirty   bool
	saveTmr *time.Timer
}

// New creates a Registry. bus may be nil (no observers fired);
// bootstrapper may be nil (empty registry stays empty on first run).
func New(store blobstore.Store, bus *observerbus.Bus, boot Bootstrapper) *Registry {
	if bus == nil {
		bus = observerbus.New()
	}
	return &Registry{
		store:   store,
		bus:     bus,
		boot:    boot,
		now:     time.Now,
		entries: make(map[domain.AssetKey]domain.SourceDescriptor),
	}
}

// ensureLoaded lazily loads the registry exactly once; concurrent
// callers await the same in-flight load.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err, _ := r.loadSF.Do("load", func() (any, error) {
		r.mu.Lock()
		if r.loaded {
			r.mu.Unlock()
			return nil, nil
		}
		r.mu.Unlock()

		raw, getErr := r.store.Get(ctx, StorageKey)
		if getErr == nil {
			var entries map[domain.AssetKey]domain.SourceDescriptor
			if jsonErr := json.Unmarshal(raw, &entries); jsonErr == nil {
				r.mu.Lock()
				if !r.loaded {
					r.entries = entries
					r.loaded = true
				}
				r.mu.Unlock()
				return nil, nil
			}
		}

		// First run, nothing persisted: bootstrap. The registry is marked
		// loaded first so the reingest below doesn't re-enter this load.
		r.mu.Lock()
		r.loaded = true
		r.mu.Unlock()
		if r.boot != nil {
			payload, bootErr := r.boot.FetchBootstrapLocation(ctx)
			if bootErr != nil {
				payload, bootErr = r.boot.FetchAssetsJSONPath(ctx)
			}
			if bootErr == nil && len(payload) > 0 {
				if uerr := r.UpdateAssetSourceRegistry(ctx, payload, true); uerr != nil {
					return nil, uerr
				}
			}
		}
		return nil, nil
	})
	return err
}

// Get returns the source descriptor for key, if registered.
func (r *Registry) Get(ctx context.Context, key domain.AssetKey) (domain.SourceDescriptor, bool) {
	if err := r.ensureLoaded(ctx); err != nil {
		return domain.SourceDescriptor{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[key]
	return d, ok
}

// All returns a snapshot of every registered source descriptor.
func (r *Registry) All(ctx context.Context) map[domain.AssetKey]domain.SourceDescriptor {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.AssetKey]domain.SourceDescriptor, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Register merges patch into key's descriptor: absent (nil) fields are
// untouched, Clear fields are zeroed, Set fields overwrite. ContentURL
// is renormalized and HasLocalURL/HasRemoteURL recomputed after every
// merge.
func (r *Registry) Register(ctx context.Context, key domain.AssetKey, patch SourcePatch) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	d := r.entries[key]
	applyPatch(&d, patch)
	recomputeURLFlags(&d)
	if d.Submitter != "" {
		d.SubmitTime = r.now().UnixMilli()
	}
	r.entries[key] = d
	r.dirty = true
	r.mu.Unlock()

	r.scheduleSave(ctx)
	return nil
}

func applyPatch(d *domain.SourceDescriptor, p SourcePatch) {
	if p.ContentURL != nil {
		d.ContentURL = normalizeURLSeq(p.ContentURL)
	}
	if p.CDNURLs != nil {
		if p.CDNURLs.Clear {
			d.CDNURLs = nil
		} else {
			d.CDNURLs = p.CDNURLs.Value
		}
	}
	if p.Content != nil {
		d.Content = pickString(*p.Content)
	}
	if p.UpdateAfter != nil {
		d.UpdateAfter = pickFloat(*p.UpdateAfter)
	}
	if p.Off != nil {
		d.Off = pickBool(*p.Off)
	}
	if p.External != nil {
		d.External = pickBool(*p.External)
	}
	if p.Submitter != nil {
		d.Submitter = pickString(*p.Submitter)
	}
	if p.Birthtime != nil {
		d.Birthtime = pickInt(*p.Birthtime)
	}
}

func pickString(p Patch[string]) string {
	if p.Clear {
		return ""
	}
	return p.Value
}
func pickFloat(p Patch[float64]) float64 {
	if p.Clear {
		return 0
	}
	return p.Value
}
func pickBool(p Patch[bool]) bool {
	if p.Clear {
		return false
	}
	return p.Value
}
func pickInt(p Patch[int64]) int64 {
	if p.Clear {
		return 0
	}
	return p.Value
}

// normalizeURLSeq turns a cleared patch into an empty sequence. A
// scalar URL isn't representable with []string, so Register callers
// pass a singleton slice for one.
func normalizeURLSeq(p *Patch[[]string]) []string {
	if p.Clear {
		return nil
	}
	return p.Value
}

// recomputeURLFlags recomputes HasLocalURL/HasRemoteURL: a descriptor
// has a remote URL iff any contentURL carries a scheme, a local URL iff
// any does not.
func recomputeURLFlags(d *domain.SourceDescriptor) {
	d.HasRemoteURL = false
	d.HasLocalURL = false
	for _, u := range d.ContentURL {
		if externalURLPattern.MatchString(u) || fetch.IsExternalURL(u) {
			d.HasRemoteURL = true
		} else {
			d.HasLocalURL = true
		}
	}
}

// Unregister purges key's source entry. Callers compose this with
// cacheregistry.Registry.Remove so the cache entry and content blob go
// away with it; the two registries are independent packages here.
func (r *Registry) Unregister(ctx context.Context, key domain.AssetKey) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.dirty = true
	r.mu.Unlock()
	r.scheduleSave(ctx)
	return nil
}

// RecordLastError stamps a source's lastError field after a failed
// fetch.
func (r *Registry) RecordLastError(ctx context.Context, key domain.AssetKey, errMsg string) {
	if err := r.ensureLoaded(ctx); err != nil {
		return
	}
	r.mu.Lock()
	d := r.entries[key]
	d.LastError = &domain.LastError{Time: r.now().UnixMilli(), Error: errMsg}
	r.entries[key] = d
	r.dirty = true
	r.mu.Unlock()
	r.scheduleSave(ctx)
}

// ClearLastError clears a source's lastError field on a successful
// fetch.
func (r *Registry) ClearLastError(ctx context.Context, key domain.AssetKey) {
	if err := r.ensureLoaded(ctx); err != nil {
		return
	}
	r.mu.Lock()
	d := r.entries[key]
	d.LastError = nil
	r.entries[key] = d
	r.dirty = true
	r.mu.Unlock()
	r.scheduleSave(ctx)
}

// rawDescriptor is the wire shape of one assets.json entry.
type rawDescriptor struct {
	ContentURL  json.RawMessage `json:"contentURL"`
	CDNURLs     []string        `json:"cdnURLs"`
	Content     string          `json:"content"`
	UpdateAfter float64         `json:"updateAfter"`
	Off         *bool           `json:"off"`
	External    bool            `json:"external"`
	Submitter   string          `json:"submitter"`
}

// UpdateAssetSourceRegistry parses an assets.json payload and merges it
// into the registry. Entries present before but absent after are
// unregistered only if they were built-in (no Submitter). New entries
// fire builtin-asset-source-added unless silent.
func (r *Registry) UpdateAssetSourceRegistry(ctx context.Context, raw json.RawMessage, silent bool) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	var parsed map[string]rawDescriptor
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("sourceregistry: parsing assets.json: %w", err)
	}

	r.mu.Lock()
	oldDict := make(map[domain.AssetKey]domain.SourceDescriptor, len(r.entries))
	for k, v := range r.entries {
		oldDict[k] = v
	}
	newDict := make(map[domain.AssetKey]domain.SourceDescriptor, len(parsed))
	for key, rd := range parsed {
		d := domain.SourceDescriptor{
			ContentURL:  decodeURLSeq(rd.ContentURL),
			CDNURLs:     rd.CDNURLs,
			Content:     rd.Content,
			UpdateAfter: rd.UpdateAfter,
			External:    rd.External,
			Submitter:   rd.Submitter,
		}
		if rd.Off != nil {
			d.Off = *rd.Off
		}
		recomputeURLFlags(&d)
		if d.Submitter != "" {
			d.SubmitTime = r.now().UnixMilli()
		}
		newDict[domain.AssetKey(key)] = d
	}

	for key, old := range oldDict {
		if _, stillPresent := newDict[key]; !stillPresent && old.Submitter == "" {
			delete(r.entries, key)
		}
	}
	for key, d := range newDict {
		_, existedBefore := oldDict[key]
		r.entries[key] = d
		if !existedBefore && !silent {
			r.bus.FireContext(ctx, TopicBuiltinAssetSourceAdded, key)
		}
	}
	r.dirty = true
	r.mu.Unlock()

	r.bus.FireContext(ctx, TopicAssetsJSONUpdated, AssetsJSONUpdatedEvent{NewDict: newDict, OldDict: oldDict})
	r.scheduleSave(ctx)
	return nil
}

// AssetsJSONUpdatedEvent is the payload fired on TopicAssetsJSONUpdated.
type AssetsJSONUpdatedEvent struct {
	NewDict map[domain.AssetKey]domain.SourceDescriptor
	OldDict map[domain.AssetKey]domain.SourceDescriptor
}

// decodeURLSeq normalizes contentURL: a bare JSON string becomes a
// singleton sequence; a JSON array decodes as-is; anything else
// (missing, null, object) yields an empty sequence.
func decodeURLSeq(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var seq []string
	if err := json.Unmarshal(raw, &seq); err == nil {
		return seq
	}
	return nil
}

// DefaultListset returns the keys whose descriptor has Content ==
// "filters" and is not switched off: the set of lists enabled by
// default.
func (r *Registry) DefaultListset(ctx context.Context) []domain.AssetKey {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AssetKey
	for k, d := range r.entries {
		if d.Content == "filters" && !d.Off {
			out = append(out, k)
		}
	}
	return out
}

// scheduleSave debounces a persistence write.
func (r *Registry) scheduleSave(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveTmr != nil {
		r.saveTmr.Stop()
	}
	r.saveTmr = time.AfterFunc(saveDebounce, func() {
		r.save(ctx)
	})
}

// Flush forces an immediate synchronous save, bypassing the debounce
// (useful at shutdown/tests).
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
	snapshot := make(map[domain.AssetKey]domain.SourceDescriptor, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sourceregistry: marshal snapshot: %w", err)
	}
	return r.store.Set(ctx, map[string][]byte{StorageKey: data})
}
