// Package diffworker drives the differential update path: instead of
// refetching a whole filter list, a patch bundle is fetched and applied
// to the cached text. The orchestrator partitions candidates into hard
// (obsolete by TTL, patched now) and soft (still within the diff-expiry
// window, patched only if the worker is otherwise idle), and exchanges
// typed messages with a worker over a channel pair. A concrete
// in-process worker lives in worker.go so the engine runs end to end
// without an external process.
package diffworker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/metadata"
)

// Candidate is one diff-eligible asset descriptor.
type Candidate struct {
	Name      string
	DiffName  string
	PatchPath string
	CDNURLs   []string
	Soft      bool // still within the diff-expiry window
}

// DiffPhaseResult is the outcome of one diff phase.
type DiffPhaseResult struct {
	Updated []domain.AssetKey
}

// hostToWorker is a host->worker message: either a batch of descriptors
// to patch, or the cached text a worker asked for.
type hostToWorker struct {
	kind  string // "descriptors" | "text"
	descs []Candidate
	fetch bool
	name  string
	text  string
}

// workerToHost is a worker->host message.
type workerToHost struct {
	what      string // "ready" | "needtext" | "updated" | "error" | "broken"
	name      string
	text      string
	patchURL  string
	patchSize int
	err       string
}

// Worker is the patch-applier side of the protocol. worker.go ships the
// in-process implementation; a host embedding a real out-of-process
// patcher supplies its own.
type Worker interface {
	// Run services toWorker until it closes or the worker turns broken.
	// Implementations must close fromWorker before returning.
	Run(ctx context.Context, toWorker <-chan hostToWorker, fromWorker chan<- workerToHost)
}

// Orchestrator drives one diff phase per update cycle.
type Orchestrator struct {
	cache       *cacheregistry.Registry
	newWorker   func() Worker
	log         *slog.Logger
	jobIDSource func() string
}

// New creates an Orchestrator. newWorker constructs a fresh Worker for
// each diff phase.
func New(cache *cacheregistry.Registry, newWorker func() Worker, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cache:       cache,
		newWorker:   newWorker,
		log:         log,
		jobIDSource: func() string { return uuid.NewString() },
	}
}

// RunDiffPhase partitions candidates, posts the hard batch once the
// worker reports ready, services needtext requests from the cache
// registry, and applies updated results. Soft candidates are posted only
// after all hard work drains. A phase with no hard candidates is skipped
// entirely. A broken worker aborts the phase; the caller's full-refresh
// phase proceeds regardless.
func (o *Orchestrator) RunDiffPhase(ctx context.Context, candidates []Candidate) DiffPhaseResult {
	var hard, soft []Candidate
	for _, c := range candidates {
		if c.Soft {
			soft = append(soft, c)
		} else {
			hard = append(hard, c)
		}
	}
	if len(hard) == 0 {
		return DiffPhaseResult{}
	}

	jobID := o.jobIDSource()
	toWorker := make(chan hostToWorker, 4)
	fromWorker := make(chan workerToHost, 8)

	worker := o.newWorker()
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.Run(workerCtx, toWorker, fromWorker)

	result := DiffPhaseResult{}
	pending := -1 // no batch posted yet
	closed := false

	o.log.Debug("diff phase starting", "job", jobID, "hard", len(hard), "soft", len(soft))

	for msg := range fromWorker {
		switch msg.what {
		case "ready":
			pending = len(hard)
			toWorker <- hostToWorker{kind: "descriptors", descs: hard, fetch: true}

		case "needtext":
			read := o.cache.Read(ctx, domain.AssetKey(msg.name), false)
			toWorker <- hostToWorker{kind: "text", name: msg.name, text: read.Content}

		case "updated":
			key := domain.AssetKey(msg.name)
			o.applyUpdate(ctx, key, msg.text)
			result.Updated = append(result.Updated, key)
			o.log.Debug("diff applied", "job", jobID, "name", msg.name, "patchURL", msg.patchURL, "patchSize", msg.patchSize)
			pending--

		case "error":
			o.log.Warn("diff operation failed", "job", jobID, "name", msg.name, "error", msg.err)
			pending--

		case "broken":
			o.log.Warn("diff worker broken, aborting phase", "job", jobID, "error", msg.err)
			close(toWorker)
			return result
		}

		if pending == 0 && !closed {
			if len(soft) > 0 {
				// Soft descriptors go out without fetch: the worker pulls
				// text on demand.
				pending = len(soft)
				toWorker <- hostToWorker{kind: "descriptors", descs: soft, fetch: false}
				soft = nil
			} else {
				close(toWorker)
				closed = true
			}
		}
	}

	return result
}

// applyUpdate extracts header metadata from the patched text and writes
// both content and metadata to the cache registry.
func (o *Orchestrator) applyUpdate(ctx context.Context, key domain.AssetKey, text string) {
	fields := metadata.ExtractFields(text, []string{"Last-Modified", "Expires", "Diff-Name", "Diff-Path", "Diff-Expires"})
	resourceTime := metadata.ParseLastModified(fields["Last-Modified"])

	if err := o.cache.Write(ctx, key, cacheregistry.WriteDetails{Content: text, ResourceTime: resourceTime}, false); err != nil {
		o.log.Error("writing patched content failed", "name", key, "error", err)
		return
	}

	expires := metadata.ParseExpires(metadata.ExpiresField, fields["Expires"])
	diffExpires := metadata.ParseExpires(metadata.DiffExpiresField, fields["Diff-Expires"])
	diffName := fields["Diff-Name"]
	diffPath := fields["Diff-Path"]
	_ = o.cache.SetDetails(ctx, key, cacheregistry.DetailsPatch{
		Expires:     &expires,
		DiffExpires: &diffExpires,
		DiffName:    &diffName,
		DiffPath:    &diffPath,
	})
}
