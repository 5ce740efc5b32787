// Package getengine implements the cache-first asset read path:
// consult the cache registry, fall back to the source registry's URL
// candidates in order, fetch (via list assembly or plain text fetch),
// cache external results, and surface the last error.
package getengine

import (
	"context"
	"regexp"

	"github.com/openlist/assetengine/internal/assembler"
	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/metadata"
	"github.com/openlist/assetengine/internal/sourceregistry"
	"github.com/openlist/assetengine/internal/usersettings"
)

// ErrNotFound is the default error when every URL yields empty content.
const ErrNotFound = "ENOTFOUND"

var absoluteURLPattern = regexp.MustCompile(`^[a-z-]+://`)

// Options configures Get.
type Options struct {
	NeedSourceURL bool
	DontCache     bool
	Silent        bool
}

// Result is the outcome of Get.
type Result struct {
	AssetKey  domain.AssetKey
	Content   string
	SourceURL string
	Error     string
}

// TextFetcher is the minimal plain-text fetch contract (non-"filters"
// assets).
type TextFetcher interface {
	FetchText(ctx context.Context, url string, external bool) fetch.Result
}

// textFetcherAdapter adapts *fetch.Client to TextFetcher with the engine's
// default TextOptions (no extension-internal base configured here; a host
// application wires one in via NewTextFetcher).
type textFetcherAdapter struct {
	client                *fetch.Client
	extensionInternalBase string
	remoteServerFriendly  func() bool
}

// NewTextFetcher builds the default TextFetcher used by Engine.
func NewTextFetcher(client *fetch.Client, extensionInternalBase string, remoteServerFriendly func() bool) TextFetcher {
	return &textFetcherAdapter{client: client, extensionInternalBase: extensionInternalBase, remoteServerFriendly: remoteServerFriendly}
}

func (a *textFetcherAdapter) FetchText(ctx context.Context, url string, external bool) fetch.Result {
	friendly := false
	if a.remoteServerFriendly != nil {
		friendly = a.remoteServerFriendly()
	}
	return a.client.FetchText(ctx, url, fetch.TextOptions{
		ExtensionInternalBase: a.extensionInternalBase,
		External:              external,
		RemoteServerFriendly:  friendly,
	})
}

// assemblerFetcherAdapter adapts TextFetcher into assembler.Fetcher for
// "filters"-typed assets, extracting resourceTime via internal/metadata.
type assemblerFetcherAdapter struct {
	text TextFetcher
}

func (a *assemblerFetcherAdapter) FetchList(ctx context.Context, url string) assembler.FetchOutcome {
	res := a.text.FetchText(ctx, url, true)
	if res.Error != "" {
		return assembler.FetchOutcome{Error: res.Error}
	}
	return assembler.FetchOutcome{Content: res.Content, ResourceTime: resourceTimeOf(res.Content)}
}

func resourceTimeOf(content string) int64 {
	fields := metadata.ExtractFields(content, []string{"Last-Modified"})
	return metadata.ParseLastModified(fields["Last-Modified"])
}

// Engine resolves asset keys to content.
type Engine struct {
	cache    *cacheregistry.Registry
	source   *sourceregistry.Registry
	settings *usersettings.Store
	text     TextFetcher
	assemble *assembler.Assembler
}

// New creates an Engine. Its assembler is always built from text via
// assembler.New; splitter is passed through to it and may be nil.
func New(cache *cacheregistry.Registry, source *sourceregistry.Registry, settings *usersettings.Store, text TextFetcher, splitter assembler.Splitter) *Engine {
	asm := assembler.New(&assemblerFetcherAdapter{text: text}, splitter)
	return &Engine{cache: cache, source: source, settings: settings, text: text, assemble: asm}
}

// Get resolves key: user assets from settings storage, then the cache,
// then each source URL in order.
func (e *Engine) Get(ctx context.Context, key domain.AssetKey, opts Options) Result {
	// User assets live in settings storage and are never cached.
	if usersettings.IsUserKey(key) {
		r := e.settings.Get(ctx, key)
		return Result{AssetKey: key, Content: r.Content, Error: r.Error}
	}

	updateReadTime := !cacheregistry.SkipsReadTimeUpdate(key)
	cacheResult := e.cache.Read(ctx, key, updateReadTime)
	if cacheResult.Error == "" {
		return Result{AssetKey: key, Content: cacheResult.Content}
	}

	desc, hasDesc := e.source.Get(ctx, key)
	urls := buildURLList(desc)
	if !hasDesc && absoluteURLPattern.MatchString(string(key)) {
		// A key with no descriptor that looks like a URL is fetched as
		// its own URL, treated as a filter list.
		urls = []string{string(key)}
		desc = domain.SourceDescriptor{Content: "filters"}
	}

	var lastErr string
	for _, u := range urls {
		if desc.HasLocalURL && absoluteURLPattern.MatchString(u) {
			// A bundled copy exists; don't hit the network for this key.
			continue
		}

		var content, sourceURL string
		var resourceTime int64
		external := absoluteURLPattern.MatchString(u)

		if desc.Content == "filters" {
			res := e.assemble.Assemble(ctx, u)
			if res.Error != "" {
				lastErr = res.Error
				continue
			}
			content, resourceTime = res.Content, res.ResourceTime
		} else {
			res := e.text.FetchText(ctx, u, external)
			if res.Error != "" {
				lastErr = res.Error
				continue
			}
			content = res.Content
		}

		if content == "" {
			lastErr = ErrNotFound
			continue
		}

		sourceURL = u
		if external && !opts.DontCache {
			_ = e.cache.Write(ctx, key, cacheregistry.WriteDetails{
				Content:      content,
				ResourceTime: resourceTime,
				URL:          sourceURL,
			}, opts.Silent)
			e.source.ClearLastError(ctx, key)
		}
		result := Result{AssetKey: key, Content: content}
		if opts.NeedSourceURL {
			result.SourceURL = sourceURL
		}
		return result
	}

	// Every URL failed.
	if lastErr == "" {
		lastErr = ErrNotFound
	}
	if hasDesc || len(urls) > 0 {
		e.source.RecordLastError(ctx, key, lastErr)
	}
	return Result{AssetKey: key, Error: lastErr}
}

// buildURLList concatenates contentURL and cdnURLs, primaries first.
func buildURLList(d domain.SourceDescriptor) []string {
	out := make([]string, 0, len(d.ContentURL)+len(d.CDNURLs))
	out = append(out, d.ContentURL...)
	out = append(out, d.CDNURLs...)
	return out
}
