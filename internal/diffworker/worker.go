package diffworker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// PatchFetcher retrieves a patch bundle by URL.
type PatchFetcher func(ctx context.Context, url string) ([]byte, error)

// zstdMagic identifies a zstd-compressed patch bundle.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// InProcessWorker is the built-in patch applier. It fetches a patch
// bundle per candidate (optionally zstd-compressed), asks the host for
// the current cached text, applies the named diff section, and reports
// the patched text back.
type InProcessWorker struct {
	fetch PatchFetcher
	log   *slog.Logger
}

// NewInProcessWorker creates a worker. fetch must not be nil.
func NewInProcessWorker(fetch PatchFetcher, log *slog.Logger) *InProcessWorker {
	if log == nil {
		log = slog.Default()
	}
	return &InProcessWorker{fetch: fetch, log: log}
}

// Run implements Worker.
func (w *InProcessWorker) Run(ctx context.Context, toWorker <-chan hostToWorker, fromWorker chan<- workerToHost) {
	defer close(fromWorker)

	if !w.send(ctx, fromWorker, workerToHost{what: "ready"}) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-toWorker:
			if !ok {
				return
			}
			if msg.kind != "descriptors" {
				continue
			}
			for _, desc := range msg.descs {
				if !w.processOne(ctx, desc, toWorker, fromWorker) {
					return
				}
			}
		}
	}
}

// processOne patches a single candidate. Returns false when the worker
// must stop (context cancelled, channel closed, or a broken condition).
func (w *InProcessWorker) processOne(ctx context.Context, desc Candidate, toWorker <-chan hostToWorker, fromWorker chan<- workerToHost) bool {
	raw, patchURL, err := w.fetchPatch(ctx, desc)
	if err != nil {
		return w.send(ctx, fromWorker, workerToHost{what: "error", name: desc.Name, err: err.Error()})
	}

	bundle, err := maybeDecompress(raw)
	if err != nil {
		// A bundle that cannot even be decoded means the patch pipeline
		// itself is unusable, not just this one asset.
		w.send(ctx, fromWorker, workerToHost{what: "broken", err: fmt.Sprintf("undecodable patch bundle %s: %v", patchURL, err)})
		return false
	}

	patch, err := parsePatchSection(bundle, desc.DiffName)
	if err != nil {
		return w.send(ctx, fromWorker, workerToHost{what: "error", name: desc.Name, err: err.Error()})
	}

	if !w.send(ctx, fromWorker, workerToHost{what: "needtext", name: desc.Name}) {
		return false
	}
	var text string
	select {
	case <-ctx.Done():
		return false
	case reply, ok := <-toWorker:
		if !ok {
			return false
		}
		if reply.kind != "text" || reply.name != desc.Name {
			w.send(ctx, fromWorker, workerToHost{what: "broken", err: "protocol error: expected text reply"})
			return false
		}
		text = reply.text
	}
	if text == "" {
		return w.send(ctx, fromWorker, workerToHost{what: "error", name: desc.Name, err: "no cached text to patch"})
	}

	patched, err := applyPatch(text, patch)
	if err != nil {
		return w.send(ctx, fromWorker, workerToHost{what: "error", name: desc.Name, err: err.Error()})
	}

	return w.send(ctx, fromWorker, workerToHost{
		what:      "updated",
		name:      desc.Name,
		text:      patched,
		patchURL:  patchURL,
		patchSize: len(raw),
	})
}

// fetchPatch tries the candidate's patchPath, then each CDN base with
// the patch path appended.
func (w *InProcessWorker) fetchPatch(ctx context.Context, desc Candidate) ([]byte, string, error) {
	urls := []string{desc.PatchPath}
	for _, cdn := range desc.CDNURLs {
		urls = append(urls, strings.TrimSuffix(cdn, "/")+"/"+strings.TrimPrefix(desc.PatchPath, "/"))
	}

	var lastErr error
	for _, u := range urls {
		raw, err := w.fetch(ctx, u)
		if err == nil && len(raw) > 0 {
			return raw, u, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty patch bundle for %s", desc.Name)
	}
	return nil, "", lastErr
}

func (w *InProcessWorker) send(ctx context.Context, fromWorker chan<- workerToHost, msg workerToHost) bool {
	select {
	case <-ctx.Done():
		return false
	case fromWorker <- msg:
		return true
	}
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(raw, nil)
}

// patchOp is one instruction of a diff section: copy n input lines, drop
// n input lines, or append a literal line.
type patchOp struct {
	kind string // "copy" | "drop" | "add"
	n    int    // copy/drop count; -1 on copy means "rest of input"
	line string // add payload
}

// parsePatchSection extracts the ops for the named diff from a bundle.
// A bundle is a text document holding one section per diff name:
//
//	diff <name>
//	= <n>         copy n lines of input ("= *" copies the rest)
//	- <n>         drop n lines of input
//	+ <line>      append a literal line
//	enddiff
func parsePatchSection(bundle []byte, diffName string) ([]patchOp, error) {
	sc := bufio.NewScanner(bytes.NewReader(bundle))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var ops []patchOp
	inSection := false
	found := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "diff "))
			inSection = name == diffName
			if inSection {
				found = true
			}
		case line == "enddiff":
			if inSection {
				return ops, nil
			}
		case inSection:
			op, err := parseOp(line)
			if err != nil {
				return nil, fmt.Errorf("diff %s: %w", diffName, err)
			}
			ops = append(ops, op)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("patch bundle has no diff named %q", diffName)
	}
	return ops, nil
}

func parseOp(line string) (patchOp, error) {
	if line == "" {
		return patchOp{kind: "copy", n: 0}, nil
	}
	switch line[0] {
	case '=':
		arg := strings.TrimSpace(line[1:])
		if arg == "*" {
			return patchOp{kind: "copy", n: -1}, nil
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return patchOp{}, fmt.Errorf("bad copy count %q", arg)
		}
		return patchOp{kind: "copy", n: n}, nil
	case '-':
		n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
		if err != nil || n < 0 {
			return patchOp{}, fmt.Errorf("bad drop count %q", line)
		}
		return patchOp{kind: "drop", n: n}, nil
	case '+':
		payload := line[1:]
		if strings.HasPrefix(payload, " ") {
			payload = payload[1:]
		}
		return patchOp{kind: "add", line: payload}, nil
	}
	return patchOp{}, fmt.Errorf("unrecognized patch op %q", line)
}

// applyPatch runs the ops over text, line by line.
func applyPatch(text string, ops []patchOp) (string, error) {
	input := strings.Split(text, "\n")
	var out []string
	pos := 0

	for _, op := range ops {
		switch op.kind {
		case "copy":
			if op.n < 0 {
				out = append(out, input[pos:]...)
				pos = len(input)
				continue
			}
			if pos+op.n > len(input) {
				return "", fmt.Errorf("patch copies past end of input (%d+%d > %d)", pos, op.n, len(input))
			}
			out = append(out, input[pos:pos+op.n]...)
			pos += op.n
		case "drop":
			if pos+op.n > len(input) {
				return "", fmt.Errorf("patch drops past end of input (%d+%d > %d)", pos, op.n, len(input))
			}
			pos += op.n
		case "add":
			out = append(out, op.line)
		}
	}
	return strings.Join(out, "\n"), nil
}
