// Package scheduler drives update cycles: pick refresh candidates from
// the intersection of the source and cache registries, run the diff
// phase first, then pace a full-refresh phase one asset per tick so a
// large catalog never hammers remote servers.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/diffworker"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/observerbus"
	"github.com/openlist/assetengine/internal/refresher"
	"github.com/openlist/assetengine/internal/sourceregistry"
)

// Status is the global scheduler state.
type Status int

const (
	StatusIdle Status = iota
	StatusUpdating
)

// Observer topics fired by the scheduler. A before-asset-updated
// observer returning true keeps its key as a refresh candidate even
// when it would otherwise be garbage-collected as unused.
const (
	TopicBeforeAssetUpdated = "before-asset-updated"
	TopicAfterAssetsUpdated = "after-assets-updated"
	TopicAssetUpdateFailed  = "asset-update-failed"
)

// defaultAssetDelay is the default inter-fetch pacing.
const defaultAssetDelay = 120 * time.Second

// manualUpdateAssetFetchPeriod distinguishes a manual update from a
// background cycle: manual cycles run with a much shorter delay.
const manualUpdateAssetFetchPeriod = 5 * time.Second

// minAssetDelay is a pacing safety floor: the asset delay can be
// shortened by callers but never starved below this.
const minAssetDelay = 1 * time.Second

// StartOptions configures UpdateStart.
type StartOptions struct {
	Delay time.Duration // 0 uses the current/default delay
	Auto  bool
}

// AfterAssetsUpdatedEvent is the payload fired on TopicAfterAssetsUpdated.
type AfterAssetsUpdatedEvent struct {
	Updated []domain.AssetKey
}

// Scheduler drives the update cycle state machine:
// Idle -> DiffPhase -> FullPhase(key) -> Done.
type Scheduler struct {
	cache              *cacheregistry.Registry
	source             *sourceregistry.Registry
	refresh            *refresher.Refresher
	diff               *diffworker.Orchestrator
	bus                *observerbus.Bus
	log                *slog.Logger
	limiter            *rate.Limiter
	assetsJSONReingest func(ctx context.Context, key domain.AssetKey) error

	mu             sync.Mutex
	status         Status
	assetDelay     time.Duration
	auto           bool
	assetsJSONPath string
	fetched        map[domain.AssetKey]bool
	updated        []domain.AssetKey
	timer          *time.Timer
	cancel         context.CancelFunc
}

// New creates a Scheduler. assetsJSONReingest is called after the
// "assets.json" catalog itself is refreshed, so the source registry
// picks up the new catalog within the same cycle.
func New(cache *cacheregistry.Registry, source *sourceregistry.Registry, refresh *refresher.Refresher, diff *diffworker.Orchestrator, bus *observerbus.Bus, log *slog.Logger, assetsJSONReingest func(ctx context.Context, key domain.AssetKey) error) *Scheduler {
	if bus == nil {
		bus = observerbus.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cache:              cache,
		source:             source,
		refresh:            refresh,
		diff:               diff,
		bus:                bus,
		log:                log,
		limiter:            rate.NewLimiter(rate.Every(minAssetDelay), 1),
		assetsJSONReingest: assetsJSONReingest,
		assetDelay:         defaultAssetDelay,
		fetched:            make(map[domain.AssetKey]bool),
	}
}

// SetAssetsJSONPath sets the replacement URL used when the assets.json
// catalog itself is refreshed.
func (s *Scheduler) SetAssetsJSONPath(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assetsJSONPath = p
}

// IsUpdating reports whether a cycle is active and was started
// manually (short delay), as opposed to a background cycle.
func (s *Scheduler) IsUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusUpdating && s.assetDelay <= manualUpdateAssetFetchPeriod
}

// Status returns the current global status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// UpdateStart begins (or extends) an update cycle.
func (s *Scheduler) UpdateStart(ctx context.Context, opts StartOptions) {
	delay := opts.Delay
	if delay <= 0 {
		delay = defaultAssetDelay
	}

	s.mu.Lock()
	// The delay never rises above its prior value within one active
	// cycle; starting fresh from idle adopts the requested delay.
	if s.status == StatusIdle || delay < s.assetDelay {
		s.assetDelay = delay
	}
	s.auto = opts.Auto
	alreadyUpdating := s.status == StatusUpdating
	s.mu.Unlock()

	if alreadyUpdating {
		s.rescheduleTimer(ctx)
		return
	}
	s.updateFirst(ctx)
}

// UpdateStop cancels the next scheduled tick and finalizes the cycle
// if one was active. An in-flight fetch is not aborted.
func (s *Scheduler) UpdateStop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	wasActive := s.status == StatusUpdating
	var updated []domain.AssetKey
	if wasActive {
		updated = append([]domain.AssetKey(nil), s.updated...)
		s.status = StatusIdle
		s.assetDelay = defaultAssetDelay
	}
	s.mu.Unlock()

	if wasActive {
		s.bus.Fire(TopicAfterAssetsUpdated, AfterAssetsUpdatedEvent{Updated: updated})
	}
}

// updateFirst clears per-cycle sets, runs the diff phase, then begins
// the full-refresh phase.
func (s *Scheduler) updateFirst(ctx context.Context) {
	cycleCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.status = StatusUpdating
	s.fetched = make(map[domain.AssetKey]bool)
	s.updated = nil
	s.cancel = cancel
	s.mu.Unlock()

	if s.diff != nil {
		candidates := s.diffCandidates(cycleCtx)
		if len(candidates) > 0 {
			result := s.diff.RunDiffPhase(cycleCtx, candidates)
			s.mu.Lock()
			s.updated = append(s.updated, result.Updated...)
			s.mu.Unlock()
		}
	}

	s.updateNext(cycleCtx)
}

// diffCandidates builds the diff orchestrator's input from every
// diff-eligible cache entry (diffName and diffPath both set).
func (s *Scheduler) diffCandidates(ctx context.Context) []diffworker.Candidate {
	sources := s.source.All(ctx)
	caches := s.cache.All(ctx)
	now := time.Now().UnixMilli()

	var out []diffworker.Candidate
	for key, ce := range caches {
		if ce.DiffName == "" || ce.DiffPath == "" {
			continue
		}
		src, ok := sources[key]
		if !ok || !src.HasRemoteURL {
			continue
		}
		out = append(out, diffworker.Candidate{
			Name:      string(key),
			DiffName:  ce.DiffName,
			PatchPath: ce.DiffPath,
			CDNURLs:   src.CDNURLs,
			Soft:      ce.WriteTime+int64(ce.DiffExpires*86400*1000) > now,
		})
	}
	return out
}

// updateNext refreshes the single oldest eligible candidate, then
// schedules itself after the asset delay.
func (s *Scheduler) updateNext(ctx context.Context) {
	candidate, ok := s.nextCandidate(ctx)
	if !ok {
		s.updateDone(ctx)
		return
	}

	s.mu.Lock()
	s.fetched[candidate] = true
	delay := s.assetDelay
	auto := s.auto
	assetsJSONPath := s.assetsJSONPath
	s.mu.Unlock()

	_ = s.limiter.Wait(ctx)

	res := s.refresh.GetRemote(ctx, candidate, refresher.Options{
		RemoteServerFriendly: auto,
		AssetsJSONPath:       assetsJSONPath,
	})
	if res.Error != "" {
		s.bus.FireContext(ctx, TopicAssetUpdateFailed, AssetUpdateFailedEvent{AssetKey: candidate, Error: res.Error})
	} else if res.Content != "" {
		s.mu.Lock()
		s.updated = append(s.updated, candidate)
		s.mu.Unlock()
		if candidate == domain.AssetKey("assets.json") && s.assetsJSONReingest != nil {
			_ = s.assetsJSONReingest(ctx, candidate)
		}
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() {
		s.updateNext(ctx)
	})
	s.mu.Unlock()
}

// AssetUpdateFailedEvent is the payload fired on TopicAssetUpdateFailed.
type AssetUpdateFailedEvent struct {
	AssetKey domain.AssetKey
	Error    string
}

// nextCandidate selects the oldest eligible candidate not yet fetched
// this cycle: present in both registries, remotely fetchable, past its
// TTL, and not garbage-collected as unused.
func (s *Scheduler) nextCandidate(ctx context.Context) (domain.AssetKey, bool) {
	sources := s.source.All(ctx)
	caches := s.cache.All(ctx)
	now := time.Now().UnixMilli()
	startTime := s.cache.StartTime()

	s.mu.Lock()
	alreadyFetched := make(map[domain.AssetKey]bool, len(s.fetched))
	for k := range s.fetched {
		alreadyFetched[k] = true
	}
	s.mu.Unlock()

	type eligible struct {
		key       domain.AssetKey
		writeTime int64
	}
	var pool []eligible

	for key, src := range sources {
		if !src.HasRemoteURL || alreadyFetched[key] {
			continue
		}
		ce, hasCache := caches[key]
		if !hasCache {
			continue
		}

		keep := s.bus.FireContext(ctx, TopicBeforeAssetUpdated, key)
		vetoed := keep == true
		if !vetoed && ce.ReadTime < startTime {
			// Unused since process start and no observer vetoed eviction.
			_ = s.cache.Remove(ctx, cacheregistry.ExactKey(key), false)
			continue
		}

		if ce.WriteTime+durationDaysToMillis(updateAfterOf(src, ce)) > now {
			continue
		}
		pool = append(pool, eligible{key: key, writeTime: ce.WriteTime})
	}

	if len(pool) == 0 {
		return "", false
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].writeTime < pool[j].writeTime })
	return pool[0].key, true
}

// updateAfterOf returns the cache entry's own TTL if set, else the
// source's default.
func updateAfterOf(src domain.SourceDescriptor, ce domain.CacheEntry) float64 {
	if ce.Expires > 0 {
		return ce.Expires
	}
	return src.UpdateAfter
}

func durationDaysToMillis(days float64) int64 {
	return int64(days * 86400 * 1000)
}

// updateDone fires after-assets-updated and returns to idle.
func (s *Scheduler) updateDone(ctx context.Context) {
	s.mu.Lock()
	updated := append([]domain.AssetKey(nil), s.updated...)
	s.status = StatusIdle
	s.assetDelay = defaultAssetDelay
	s.timer = nil
	s.cancel = nil
	s.mu.Unlock()

	s.bus.FireContext(ctx, TopicAfterAssetsUpdated, AfterAssetsUpdatedEvent{Updated: updated})
}

func (s *Scheduler) rescheduleTimer(ctx context.Context) {
	s.mu.Lock()
	if s.timer == nil {
		s.mu.Unlock()
		return
	}
	delay := s.assetDelay
	s.mu.Unlock()
	s.timer.Stop()
	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() { s.updateNext(ctx) })
	s.mu.Unlock()
}
