// Package fetch implements the single-URL text fetch used throughout
// the engine: one GET with a no-progress timeout (any byte delivered
// resets the timer, so a slow but live transfer never times out),
// non-2xx failure, and rejection of HTML bodies masquerading as filter
// lists. Errors are returned in-band on the result, never as a bare Go
// error, so callers can fall through to the next candidate URL.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openlist/assetengine/internal/safety"
)

// Error taxonomy strings, returned in-band via Result.Error.
const (
	ErrNotFound     = "ENOTFOUND"
	ErrNetworkError = "network error"
	ErrNotText      = "assets.fetchText(): Not a text file"
)

// ResponseType selects how the body is decoded. Only Text is
// implemented; the field exists so callers can express intent.
type ResponseType int

const (
	ResponseText ResponseType = iota
)

// DefaultAssetFetchTimeout is the default no-progress timeout.
const DefaultAssetFetchTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps a fetched body; filter lists are text files,
// anything beyond this is not an asset we want.
const DefaultMaxBodyBytes = 64 << 20

// Options configures a single Fetch call.
type Options struct {
	ResponseType  ResponseType
	NoProgressTO  time.Duration // 0 uses DefaultAssetFetchTimeout
	MaxBodyBytes  int64         // 0 uses DefaultMaxBodyBytes
	SkipHTMLCheck bool          // for lists that legitimately open and close with angle brackets
}

// Result is the outcome of a fetch. The caller-supplied URL is always
// echoed back in URL, never a rewritten one.
type Result struct {
	URL        string
	Content    string
	Error      string
	StatusCode int
}

// Client performs hardened HTTP fetches.
type Client struct {
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

// NewClient creates a Client. The transport carries connection,
// handshake, and idle timeouts but no overall deadline; the no-progress
// timeout in Fetch supersedes one.
func NewClient(userAgent string) *Client {
	if userAgent == "" {
		userAgent = "assetengine/1.0"
	}
	return &Client{
		httpClient: safety.NewHTTPClient(0),
		userAgent:  userAgent,
		now:        time.Now,
	}
}

// Fetch performs a single GET against url with a no-progress timeout:
// the timer is reset on every byte read from the response body, so a
// slow but steadily-progressing download never times out while a
// stalled one does.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) Result {
	timeout := opts.NoProgressTO
	if timeout <= 0 {
		timeout = DefaultAssetFetchTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{URL: rawURL, Error: err.Error()}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{URL: rawURL, Error: errorCantConnectTo(rawURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return Result{
			URL:        rawURL,
			Error:      fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			StatusCode: resp.StatusCode,
		}
	}

	watchdog := newNoProgressWatchdog(fetchCtx, cancel, timeout)
	reader := &progressResetReader{reader: resp.Body, onRead: watchdog.kick}
	defer watchdog.stop()

	body, err := safety.ReadAllWithLimit(reader, maxBody)
	if err != nil {
		if errors.Is(err, context.Canceled) && watchdog.timedOut() {
			return Result{URL: rawURL, Error: fmt.Sprintf("timeout: no progress for %s", timeout)}
		}
		return Result{URL: rawURL, Error: err.Error()}
	}

	content := string(body)
	if !opts.SkipHTMLCheck && isLikelyHTML(content) {
		return Result{URL: rawURL, Error: ErrNotText, StatusCode: resp.StatusCode}
	}

	return Result{URL: rawURL, Content: content, StatusCode: resp.StatusCode}
}

// isLikelyHTML reports whether the trimmed body starts with '<' and
// ends with '>'. Deliberately crude; a list that trips it legitimately
// can set SkipHTMLCheck.
func isLikelyHTML(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">")
}

// errorCantConnectTo formats a transport-level failure. The message is
// invariant English a caller can match on; a host application wanting
// localized UI strings re-keys off rawURL/err itself.
func errorCantConnectTo(rawURL string, err error) string {
	return fmt.Sprintf("can't connect to %s: %v", rawURL, err)
}

// progressResetReader calls onRead(n) after every successful Read,
// driving the no-progress watchdog.
type progressResetReader struct {
	reader io.Reader
	onRead func(n int)
}

func (r *progressResetReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 && r.onRead != nil {
		r.onRead(n)
	}
	return n, err
}

// noProgressWatchdog cancels its context if kick is not called within
// timeout of the last call (or of construction).
type noProgressWatchdog struct {
	timer    *time.Timer
	cancel   context.CancelFunc
	timeout  time.Duration
	fired    chan struct{}
	firedRan bool
}

func newNoProgressWatchdog(ctx context.Context, cancel context.CancelFunc, timeout time.Duration) *noProgressWatchdog {
	w := &noProgressWatchdog{cancel: cancel, timeout: timeout, fired: make(chan struct{})}
	w.timer = time.AfterFunc(timeout, func() {
		close(w.fired)
		cancel()
	})
	return w
}

func (w *noProgressWatchdog) kick(int) {
	w.timer.Reset(w.timeout)
}

func (w *noProgressWatchdog) stop() {
	w.timer.Stop()
}

func (w *noProgressWatchdog) timedOut() bool {
	select {
	case <-w.fired:
		return true
	default:
		return false
	}
}
