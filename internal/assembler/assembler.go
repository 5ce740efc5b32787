// Package assembler composes a filter list from its parts: fetch the
// main list, transparently inline its `!#include` sublists (respecting
// `!#if` scoping via an injected Splitter), and abort atomically if any
// sublist fails. Included regions are bracketed with sentinel banners
// so a reader of the assembled output can tell where a sublist begins
// and ends.
package assembler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/openlist/assetengine/internal/assembler/naivesplitter"
	"github.com/openlist/assetengine/internal/metadata"
)

// Fetcher is the minimal fetch contract the assembler needs: fetch a
// single list URL and report its content plus resource time. Implemented
// by internal/fetch.Client via a small adapter in the getengine package.
type Fetcher interface {
	FetchList(ctx context.Context, url string) FetchOutcome
}

// FetchOutcome is one URL's fetch result as the assembler needs it.
type FetchOutcome struct {
	Content      string
	ResourceTime int64
	Error        string
}

// Splitter is the external preparser collaborator: it returns
// alternating [start,end) byte ranges over content, even index = active
// (outside an excluded `!#if` block), odd index = inactive. The
// assembler only scans active ranges for `!#include`.
type Splitter interface {
	Scope(content string) []int
}

// Result is the outcome of Assemble.
type Result struct {
	URL          string
	Content      string
	ResourceTime int64
	Error        string
}

var includeLine = regexp.MustCompile(`(?m)^!#include[ \t]+(\S.*?)[ \t]*$`)

// Assembler drives the recursive fetch-and-splice algorithm.
type Assembler struct {
	fetcher  Fetcher
	splitter Splitter
}

// New creates an Assembler. splitter may be nil to use a pass-through
// splitter that treats all content as active (suitable when the host has
// no `!#if` preparser wired in).
func New(fetcher Fetcher, splitter Splitter) *Assembler {
	if splitter == nil {
		splitter = naivesplitter.New()
	}
	return &Assembler{fetcher: fetcher, splitter: splitter}
}

// part is one segment of the assembled document: either settled literal
// text, or a pending fetch of a sublist URL.
type part struct {
	pending      bool
	url          string // pending: the URL to fetch; settled-from-fetch: the URL it came from (for banners/expansion); literal: ""
	text         string // settled content
	resourceTime int64
	err          string
	expanded     bool // settled, fetched parts only: already scanned for !#include
	fromFetch    bool // settled: came directly from a fetch (vs. a literal slice/banner)
}

// Assemble fetches mainlistURL and recursively inlines its `!#include`
// sublists. Includes resolve against their parent list's URL, not the
// root, so an included list may itself include sublists beside it.
func (a *Assembler) Assemble(ctx context.Context, mainlistURL string) Result {
	visited := map[string]bool{mainlistURL: true}
	parts := []part{{pending: true, url: mainlistURL}}
	// Expansion replaces fetched parts with literal slices that carry no
	// resourceTime, so the maximum is kept across rounds.
	var resourceTime int64

	for {
		if err := a.resolvePending(ctx, parts); err != "" {
			return Result{URL: mainlistURL, Content: "", Error: err}
		}

		if rt := maxResourceTime(parts); rt > resourceTime {
			resourceTime = rt
		}

		if len(parts) == 1 && parts[0].fromFetch && !parts[0].expanded {
			if metadata.IsDiffUpdatableAsset(parts[0].text) {
				return Result{URL: mainlistURL, Content: parts[0].text + "\n", ResourceTime: resourceTime}
			}
		}

		newParts, expandedAny := a.expand(parts, visited)
		parts = newParts
		if !expandedAny {
			break
		}
	}

	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.text)
	}
	sb.WriteString("\n")

	return Result{URL: mainlistURL, Content: sb.String(), ResourceTime: resourceTime}
}

// resolvePending fetches every pending part concurrently and settles
// it in place. Returns a non-empty error string if any fetch failed;
// the caller aborts the whole assembly with it.
func (a *Assembler) resolvePending(ctx context.Context, parts []part) string {
	var wg sync.WaitGroup
	for i := range parts {
		if !parts[i].pending {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := a.fetcher.FetchList(ctx, parts[i].url)
			parts[i].pending = false
			parts[i].fromFetch = true
			if res.Error != "" {
				parts[i].err = res.Error
				return
			}
			parts[i].text = res.Content
			parts[i].resourceTime = res.ResourceTime
		}(i)
	}
	wg.Wait()

	for _, p := range parts {
		if p.err != "" {
			return p.err
		}
	}
	return ""
}

func maxResourceTime(parts []part) int64 {
	var max int64
	for _, p := range parts {
		if p.resourceTime > max {
			max = p.resourceTime
		}
	}
	return max
}

// expand scans every freshly-fetched, not-yet-expanded part for
// `!#include` directives (within active splitter ranges) and replaces
// it in the part list with a literal/banner/pending-fetch sequence.
// Returns the new part list and whether anything was expanded, i.e.
// whether another resolve round is needed.
func (a *Assembler) expand(parts []part, visited map[string]bool) ([]part, bool) {
	var out []part
	expandedAny := false

	for _, p := range parts {
		if p.expanded || !p.fromFetch {
			out = append(out, p)
			continue
		}
		p.expanded = true
		expanded := a.expandOne(p, visited)
		if len(expanded) > 1 {
			expandedAny = true
		}
		out = append(out, expanded...)
	}
	return out, expandedAny
}

// expandOne scans a single settled part's active ranges for !#include
// directives and splices in sentinel banners and pending sub-fetches.
func (a *Assembler) expandOne(p part, visited map[string]bool) []part {
	content := p.text
	ranges := a.splitter.Scope(content)
	sort.Ints(ranges)

	var out []part
	literal := func(s string) {
		if s == "" {
			return
		}
		out = append(out, part{text: s, expanded: true})
	}

	for i := 0; i+1 < len(ranges); i++ {
		start, end := ranges[i], ranges[i+1]
		if start < 0 || end > len(content) || start > end {
			continue
		}
		slice := content[start:end]
		if i%2 == 1 {
			// inactive (inside an excluded !#if), emitted verbatim
			literal(slice)
			continue
		}
		out = append(out, a.scanActiveSlice(slice, p.url, visited)...)
	}
	if len(out) == 0 {
		literal(content)
	}
	return out
}

// scanActiveSlice scans one active slice line-by-line for !#include
// directives, splicing in sentinel-bounded pending fetches for each
// resolved, non-duplicate, non-traversal, non-absolute sub-URL.
func (a *Assembler) scanActiveSlice(slice, parentURL string, visited map[string]bool) []part {
	var out []part
	buf := &strings.Builder{}

	lines := splitKeepNewline(slice)
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\n")
		m := includeLine.FindStringSubmatch(trimmed)
		if m == nil {
			buf.WriteString(line)
			continue
		}

		includePath := m[1]
		buf.WriteString(line) // include the directive line itself verbatim

		subURL, ok := resolveInclude(parentURL, includePath)
		if !ok || visited[subURL] {
			// absolute URL, path traversal, or already scheduled: treat
			// as ordinary text, keep scanning past the directive.
			continue
		}
		visited[subURL] = true

		out = append(out, part{text: buf.String(), expanded: true})
		buf.Reset()

		out = append(out, part{text: fmt.Sprintf("! >>>>>>>> %s\n", subURL), expanded: true})
		out = append(out, part{pending: true, url: subURL})
		out = append(out, part{text: fmt.Sprintf("! <<<<<<<< %s\n", subURL), expanded: true})
	}

	if buf.Len() > 0 || len(out) == 0 {
		out = append(out, part{text: buf.String(), expanded: true})
	}
	return out
}

// splitKeepNewline splits s into lines, each retaining its trailing "\n"
// (the last line may lack one).
func splitKeepNewline(s string) []string {
	var lines []string
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			if s != "" {
				lines = append(lines, s)
			}
			break
		}
		lines = append(lines, s[:idx+1])
		s = s[idx+1:]
	}
	return lines
}
