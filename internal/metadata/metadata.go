// Package metadata extracts header fields from the first kilobyte of a
// text asset (filter list) and normalizes them into the forms the rest of
// the engine needs: epoch milliseconds for dates, fractional days for
// TTLs.
package metadata

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// maxScanRunes bounds how much of the content is scanned for header lines.
const maxScanRunes = 1024

// fieldLine matches "! Field-Name: value" or "# Field Name: value",
// case-insensitively, with '-' and whitespace interchangeable in the name.
var fieldLine = regexp.MustCompile(`(?im)^[!#]\s*([A-Za-z][A-Za-z \-]*?)\s*:\s*(.+?)\s*$`)

// templatePlaceholder matches values like "%some-template%" which are
// unresolved build-time placeholders and must be dropped.
var templatePlaceholder = regexp.MustCompile(`^%.*%$`)

// expiresGrammar matches "<digits><unit>?" where unit is 'd' or 'h'.
var expiresGrammar = regexp.MustCompile(`^(\d+)\s*([dDhH])?`)

// ExpiresKind selects the floor applied when parsing a TTL field.
type ExpiresKind int

const (
	// ExpiresField is the "Expires" header; floors at 0.5 day.
	ExpiresField ExpiresKind = iota
	// DiffExpiresField is the "Diff-Expires" header; floors at 0.25 day.
	DiffExpiresField
)

// normalizeFieldName collapses whitespace/hyphens and lowercases, so that
// "Last Modified", "last-modified", and "LAST-MODIFIED" all match.
func normalizeFieldName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, " ", "")
	return name
}

// ExtractFields scans the first 1024 runes of content for header lines and
// returns the raw string value for each requested field name (matched
// case/hyphen/space-insensitively). Values framed as "%...%" are dropped
// as unresolved template placeholders.
func ExtractFields(content string, fields []string) map[string]string {
	scanned := content
	if r := []rune(content); len(r) > maxScanRunes {
		scanned = string(r[:maxScanRunes])
	}

	wanted := make(map[string]string, len(fields))
	for _, f := range fields {
		wanted[normalizeFieldName(f)] = f
	}

	out := make(map[string]string, len(fields))
	for _, m := range fieldLine.FindAllStringSubmatch(scanned, -1) {
		key := normalizeFieldName(m[1])
		orig, ok := wanted[key]
		if !ok {
			continue
		}
		val := strings.TrimSpace(m[2])
		if templatePlaceholder.MatchString(val) {
			continue
		}
		out[orig] = val
	}
	return out
}

// ParseLastModified parses an RFC1123-ish "Last-Modified" value into epoch
// milliseconds, returning 0 on any parse failure.
func ParseLastModified(raw string) int64 {
	if raw == "" {
		return 0
	}
	layouts := []string{
		time.RFC1123,
		time.RFC1123Z,
		"Mon, 02 Jan 2006 15:04:05 MST",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// ParseExpires parses the "(\d+)\s*([dh])?" TTL grammar into a fractional
// number of days, quantizing hours to 0.25-day steps via ceil(h/6)/4, and
// flooring at 0.5 day for ExpiresField or 0.25 day for DiffExpiresField.
// Returns 0 on parse failure (e.g. "garbage").
func ParseExpires(kind ExpiresKind, raw string) float64 {
	raw = strings.TrimSpace(raw)
	m := expiresGrammar.FindStringSubmatch(raw)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}

	var days float64
	unit := strings.ToLower(m[2])
	if unit == "h" {
		days = math.Ceil(float64(n)/6) / 4
	} else {
		days = float64(n)
	}

	floor := 0.5
	if kind == DiffExpiresField {
		floor = 0.25
	}
	if days < floor {
		days = floor
	}
	return days
}

// IsDiffUpdatableAsset returns true iff the content carries a non-template
// Diff-Path header.
func IsDiffUpdatableAsset(content string) bool {
	fields := ExtractFields(content, []string{"Diff-Path"})
	path, ok := fields["Diff-Path"]
	return ok && path != ""
}
