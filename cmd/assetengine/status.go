package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openlist/assetengine/internal/domain"
)

var statusFailed bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display source and cache state per asset",
		Long: `Display each registered asset's cache state: when it was last written,
how large the cached content is, and the last fetch error if any.`,
		Example: `  assetengine status
  assetengine status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only assets whose last fetch failed")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sources := globalSource.All(ctx)
	caches := globalCache.All(ctx)

	keys := make([]string, 0, len(sources))
	for k := range sources {
		if statusFailed && sources[k].LastError == nil {
			continue
		}
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No assets found matching criteria")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Asset Status")
	fmt.Fprintln(out, "============")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "%-28s %12s %14s %8s %s\n", "Asset", "Cached", "Last Write", "TTL", "Last Error")
	fmt.Fprintln(out, strings.Repeat("-", 84))

	for _, k := range keys {
		key := domain.AssetKey(k)
		src := sources[key]
		ce, cached := caches[key]

		cachedStr := "no"
		lastWrite := "never"
		ttl := "-"
		if cached {
			read := globalCache.Read(ctx, key, false)
			cachedStr = humanize.Bytes(uint64(len(read.Content)))
			if ce.WriteTime > 0 {
				lastWrite = humanize.Time(time.UnixMilli(ce.WriteTime))
			}
			if ce.Expires > 0 {
				ttl = fmt.Sprintf("%.2gd", ce.Expires)
			}
		}
		if ttl == "-" && src.UpdateAfter > 0 {
			ttl = fmt.Sprintf("%.2gd", src.UpdateAfter)
		}

		lastErr := ""
		if src.LastError != nil {
			lastErr = fmt.Sprintf("%s (%s)", src.LastError.Error, humanize.Time(time.UnixMilli(src.LastError.Time)))
		}

		fmt.Fprintf(out, "%-28s %12s %14s %8s %s\n", k, cachedStr, lastWrite, ttl, lastErr)
	}

	fmt.Fprintln(out, "")
	return nil
}
