// Package refresher implements the unconditional remote refetch used by
// the update cycle: build a URL candidate list with CDN mirrors
// shuffled, fetch each in order, reject results older than the cached
// copy, write on success, and extract filter-list header metadata.
// Mirror hosts that keep failing within a cycle are skipped via a
// circuit breaker.
package refresher

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openlist/assetengine/internal/assembler"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/getengine"
	"github.com/openlist/assetengine/internal/metadata"
	"github.com/openlist/assetengine/internal/sourceregistry"
	"net/url"
)

// ErrNotFound is the in-band error when no URL yields usable content.
const ErrNotFound = "ENOTFOUND"

// ErrNetworkError is recorded when a URL fails at the transport level
// (no HTTP status at all).
const ErrNetworkError = "network error"

const assetsJSONKey = domain.AssetKey("assets.json")

// Result mirrors getengine.Result's shape.
type Result struct {
	AssetKey domain.AssetKey
	Content  string
	Error    string
}

// Options configures a refresher.
type Options struct {
	// AssetsJSONPath replaces a URL ending in "/assets/assets.json",
	// selecting the dev vs. release copy of the assets.json catalog.
	AssetsJSONPath string
	// RemoteServerFriendly prepends (rather than appends) shuffled CDN
	// URLs, preferring mirrors over origin servers.
	RemoteServerFriendly bool
}

// Refresher refetches known assets from their remote sources.
type Refresher struct {
	cache    *cacheregistry.Registry
	source   *sourceregistry.Registry
	text     getengine.TextFetcher
	assemble *assembler.Assembler
	breakers map[string]*gobreaker.CircuitBreaker
	now      func() time.Time
}

// New creates a Refresher.
func New(cache *cacheregistry.Registry, source *sourceregistry.Registry, text getengine.TextFetcher, splitter assembler.Splitter) *Refresher {
	asm := assembler.New(&refresherAssemblerAdapter{text: text}, splitter)
	return &Refresher{
		cache:    cache,
		source:   source,
		text:     text,
		assemble: asm,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		now:      time.Now,
	}
}

type refresherAssemblerAdapter struct {
	text getengine.TextFetcher
}

func (a *refresherAssemblerAdapter) FetchList(ctx context.Context, u string) assembler.FetchOutcome {
	res := a.text.FetchText(ctx, u, true)
	if res.Error != "" {
		return assembler.FetchOutcome{Error: res.Error}
	}
	fields := metadata.ExtractFields(res.Content, []string{"Last-Modified"})
	return assembler.FetchOutcome{Content: res.Content, ResourceTime: metadata.ParseLastModified(fields["Last-Modified"])}
}

// breakerFor returns (creating if needed) the circuit breaker for u's
// host, so a mirror that fails repeatedly within a cycle is skipped for
// subsequent assets instead of being retried.
func (rf *Refresher) breakerFor(u string) *gobreaker.CircuitBreaker {
	host := hostOf(u)
	if b, ok := rf.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	rf.breakers[host] = b
	return b
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// GetRemote refetches key unconditionally, honoring staleness: a
// result whose resource time predates the cached copy's never
// overwrites it.
func (rf *Refresher) GetRemote(ctx context.Context, key domain.AssetKey, opts Options) Result {
	desc, _ := rf.source.Get(ctx, key)
	cacheEntry, _ := rf.cache.Get(ctx, key)

	urls := rf.buildURLList(desc, opts)
	if key == assetsJSONKey && opts.AssetsJSONPath != "" {
		urls = rewriteAssetsJSONURLs(urls, opts.AssetsJSONPath)
	}

	var lastErr string
	for _, u := range urls {
		if rf.breakerFor(u).State() == gobreaker.StateOpen {
			continue
		}

		var content string
		var resourceTime int64
		var statusZero bool
		var fetchErr string
		_, _ = rf.breakerFor(u).Execute(func() (any, error) {
			content, resourceTime, statusZero, fetchErr = rf.fetchOne(ctx, u, desc)
			if fetchErr != "" {
				return nil, errStr(fetchErr)
			}
			return nil, nil
		})

		if fetchErr != "" {
			if statusZero {
				lastErr = ErrNetworkError
			} else {
				lastErr = fetchErr
			}
			continue
		}
		if content == "" {
			lastErr = ErrNotFound
			continue
		}

		// The fetched copy is older than what we already have.
		if resourceTime > 0 && cacheEntry.ResourceTime > 0 && resourceTime < cacheEntry.ResourceTime {
			continue
		}

		if err := rf.cache.Write(ctx, key, cacheregistry.WriteDetails{
			Content:      content,
			ResourceTime: resourceTime,
			URL:          u,
		}, false); err != nil {
			lastErr = err.Error()
			continue
		}

		if desc.Content == "filters" {
			rf.storeFilterMetadata(ctx, key, content)
		}
		rf.source.ClearLastError(ctx, key)
		return Result{AssetKey: key, Content: content}
	}

	// All candidates stale or failed. If every candidate was merely
	// stale (lastErr never set), leave content untouched but reset
	// writeTime to the cached resourceTime so the scheduler treats the
	// entry as fresh.
	if lastErr == "" && cacheEntry.ResourceTime > 0 {
		wt := cacheEntry.ResourceTime
		_ = rf.cache.SetDetails(ctx, key, cacheregistry.DetailsPatch{WriteTime: &wt})
		return Result{AssetKey: key}
	}

	if lastErr == "" {
		lastErr = ErrNotFound
	}
	rf.source.RecordLastError(ctx, key, lastErr)
	return Result{AssetKey: key, Error: ErrNotFound}
}

type errStr string

func (e errStr) Error() string { return string(e) }

func (rf *Refresher) fetchOne(ctx context.Context, u string, desc domain.SourceDescriptor) (content string, resourceTime int64, statusZero bool, fetchErr string) {
	if desc.Content == "filters" {
		res := rf.assemble.Assemble(ctx, u)
		return res.Content, res.ResourceTime, false, res.Error
	}
	res := rf.text.FetchText(ctx, u, true)
	if res.Error != "" {
		return "", 0, isStatusZeroErr(res), res.Error
	}
	fields := metadata.ExtractFields(res.Content, []string{"Last-Modified"})
	return res.Content, metadata.ParseLastModified(fields["Last-Modified"]), false, ""
}

// isStatusZeroErr reports a transport-level failure: no HTTP status was
// received and the error is fetch's "can't connect to" message. Any other
// failure keeps its literal fetch error.
func isStatusZeroErr(res fetch.Result) bool {
	return res.StatusCode == 0 && strings.Contains(res.Error, "connect")
}

func (rf *Refresher) storeFilterMetadata(ctx context.Context, key domain.AssetKey, content string) {
	fields := metadata.ExtractFields(content, []string{"Expires", "Diff-Name", "Diff-Path", "Diff-Expires"})
	expires := metadata.ParseExpires(metadata.ExpiresField, fields["Expires"])
	diffExpires := metadata.ParseExpires(metadata.DiffExpiresField, fields["Diff-Expires"])
	diffName := fields["Diff-Name"]
	diffPath := fields["Diff-Path"]

	_ = rf.cache.SetDetails(ctx, key, cacheregistry.DetailsPatch{
		Expires:     &expires,
		DiffExpires: &diffExpires,
		DiffName:    &diffName,
		DiffPath:    &diffPath,
	})
}

// buildURLList constructs the candidate URL list: contentURL plus
// cdnURLs shuffled (Fisher-Yates), prepended in remote-server-friendly
// mode and appended otherwise.
func (rf *Refresher) buildURLList(d domain.SourceDescriptor, opts Options) []string {
	cdn := append([]string(nil), d.CDNURLs...)
	shuffle(cdn)

	if opts.RemoteServerFriendly {
		return append(cdn, d.ContentURL...)
	}
	out := append([]string(nil), d.ContentURL...)
	return append(out, cdn...)
}

// rewriteAssetsJSONURLs rewrites a URL ending in "/assets/assets.json"
// to the configured assets.json path.
func rewriteAssetsJSONURLs(urls []string, assetsJSONPath string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		if strings.HasSuffix(u, "/assets/assets.json") {
			out[i] = assetsJSONPath
		} else {
			out[i] = u
		}
	}
	return out
}

// shuffle performs an in-place Fisher-Yates shuffle, distributing load
// across CDN mirrors.
func shuffle(s []string) {
	for i := len(s) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		s[i], s[j] = s[j], s[i]
	}
}
