package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/getengine"
)

var (
	getSourceURL bool
	getDontCache bool
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Resolve an asset key to its content",
		Long: `Resolve an asset key to its freshest cached content. On a cache miss the
source registry's URLs are tried in order and the result is cached.

The key may also be a bare URL, fetched and assembled as a filter list.`,
		Example: `  assetengine get easylist
  assetengine get user-filters
  assetengine get https://example.org/list.txt --dont-cache`,
		Args: cobra.ExactArgs(1),
		RunE: getRun,
	}

	cmd.Flags().BoolVar(&getSourceURL, "source-url", false, "print the URL the content came from on stderr")
	cmd.Flags().BoolVar(&getDontCache, "dont-cache", false, "do not cache a fetched result")

	return cmd
}

func getRun(cmd *cobra.Command, args []string) error {
	key := domain.AssetKey(args[0])

	res := globalGet.Get(cmd.Context(), key, getengine.Options{
		NeedSourceURL: getSourceURL,
		DontCache:     getDontCache,
	})
	if res.Error != "" {
		return fmt.Errorf("get %s: %s", key, res.Error)
	}

	if getSourceURL && res.SourceURL != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "source: %s\n", res.SourceURL)
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Content)
	return nil
}
