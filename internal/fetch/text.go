package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TextOptions configures FetchText.
type TextOptions struct {
	Options
	// ExtensionInternalBase is prepended to non-external URLs, mapping
	// bundled asset paths onto whatever serves them locally.
	ExtensionInternalBase string
	// External marks the URL as external for cache-bust purposes. When
	// false, FetchText treats rawURL as resolved against
	// ExtensionInternalBase and never appends a cache-bust token.
	External bool
	// RemoteServerFriendly suppresses cache-busting.
	RemoteServerFriendly bool
	// DebugCacheBust selects the finer-grained debug bust token.
	DebugCacheBust bool
	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// FetchText layers base-URL resolution and cache-busting on top of
// Fetch.
func (c *Client) FetchText(ctx context.Context, rawURL string, opts TextOptions) Result {
	effectiveURL := rawURL
	if !opts.External {
		effectiveURL = joinBase(opts.ExtensionInternalBase, rawURL)
	} else if !opts.RemoteServerFriendly {
		effectiveURL = appendCacheBust(rawURL, opts.DebugCacheBust, opts.Now)
	}

	result := c.Fetch(ctx, effectiveURL, opts.Options)
	// Echo the caller-supplied URL back, not the rewritten one.
	result.URL = rawURL
	return result
}

func joinBase(base, rawURL string) string {
	if base == "" {
		return rawURL
	}
	if strings.HasSuffix(base, "/") && strings.HasPrefix(rawURL, "/") {
		return base + strings.TrimPrefix(rawURL, "/")
	}
	if !strings.HasSuffix(base, "/") && !strings.HasPrefix(rawURL, "/") {
		return base + "/" + rawURL
	}
	return base + rawURL
}

// appendCacheBust appends a cache-busting query parameter. The bust
// token is floor(now/1000) % 86413 under debug mode, else
// floor(now/3_600_000) % 13. Both moduli are prime, minimizing
// cross-day collisions.
func appendCacheBust(rawURL string, debug bool, now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	nowMs := now().UnixMilli()

	var token int64
	if debug {
		token = (nowMs / 1000) % 86413
	} else {
		token = (nowMs / 3_600_000) % 13
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("_", fmt.Sprintf("%d", token))
	u.RawQuery = q.Encode()
	return u.String()
}

// IsExternalURL reports whether rawURL is an absolute URL with a
// lowercase scheme (`^[a-z-]+://`).
func IsExternalURL(rawURL string) bool {
	idx := strings.Index(rawURL, "://")
	if idx <= 0 {
		return false
	}
	scheme := rawURL[:idx]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z') && r != '-' {
			return false
		}
	}
	return true
}
