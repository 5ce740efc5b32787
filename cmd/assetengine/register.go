package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openlist/assetengine/internal/cacheregistry"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/sourceregistry"
)

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <key> <json>",
		Short: "Register or update a source descriptor",
		Long: `Register an asset source, or merge fields into an existing one. The JSON
argument carries the fields to apply; a field set to null clears it.`,
		Example: `  assetengine register mylist '{"contentURL": "https://h/mylist.txt", "content": "filters"}'
  assetengine register mylist '{"updateAfter": 5}'
  assetengine register mylist '{"cdnURLs": null}'`,
		Args: cobra.ExactArgs(2),
		RunE: registerRun,
	}
}

// registerFields is the CLI's wire shape for a descriptor patch. A
// missing field leaves the stored value alone; an explicit null clears
// it.
type registerFields struct {
	ContentURL  *json.RawMessage `json:"contentURL"`
	CDNURLs     *json.RawMessage `json:"cdnURLs"`
	Content     *string          `json:"content"`
	UpdateAfter *float64         `json:"updateAfter"`
	Off         *bool            `json:"off"`
	Submitter   *string          `json:"submitter"`
}

// UnmarshalJSON keeps an explicit null in the URL fields as a raw "null"
// instead of letting it collapse to nil like a missing field.
func (f *registerFields) UnmarshalJSON(data []byte) error {
	type plain registerFields
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, (*plain)(f)); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &present); err != nil {
		return err
	}
	if raw, ok := present["contentURL"]; ok && f.ContentURL == nil {
		f.ContentURL = &raw
	}
	if raw, ok := present["cdnURLs"]; ok && f.CDNURLs == nil {
		f.CDNURLs = &raw
	}
	return nil
}

func registerRun(cmd *cobra.Command, args []string) error {
	key := domain.AssetKey(args[0])

	var fields registerFields
	if err := json.Unmarshal([]byte(args[1]), &fields); err != nil {
		return fmt.Errorf("parsing descriptor JSON: %w", err)
	}

	patch := sourceregistry.SourcePatch{}
	if fields.ContentURL != nil {
		p := urlPatch(*fields.ContentURL)
		patch.ContentURL = &p
	}
	if fields.CDNURLs != nil {
		p := urlPatch(*fields.CDNURLs)
		patch.CDNURLs = &p
	}
	if fields.Content != nil {
		p := sourceregistry.Set(*fields.Content)
		patch.Content = &p
	}
	if fields.UpdateAfter != nil {
		p := sourceregistry.Set(*fields.UpdateAfter)
		patch.UpdateAfter = &p
	}
	if fields.Off != nil {
		p := sourceregistry.Set(*fields.Off)
		patch.Off = &p
	}
	if fields.Submitter != nil {
		p := sourceregistry.Set(*fields.Submitter)
		patch.Submitter = &p
	}

	if err := globalSource.Register(cmd.Context(), key, patch); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	if err := globalSource.Flush(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", key)
	return nil
}

// urlPatch decodes a JSON string, array, or null into a URL-sequence
// patch.
func urlPatch(raw json.RawMessage) sourceregistry.Patch[[]string] {
	if string(raw) == "null" {
		return sourceregistry.Clear[[]string]()
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return sourceregistry.Set([]string{single})
	}
	var seq []string
	if err := json.Unmarshal(raw, &seq); err == nil {
		return sourceregistry.Set(seq)
	}
	return sourceregistry.Clear[[]string]()
}

func newUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <key>",
		Short: "Remove a source and its cached content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := domain.AssetKey(args[0])
			if err := globalSource.Unregister(cmd.Context(), key); err != nil {
				return fmt.Errorf("unregister %s: %w", key, err)
			}
			if err := globalCache.Remove(cmd.Context(), cacheregistry.ExactKey(key), false); err != nil {
				return fmt.Errorf("removing cached content for %s: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unregistered %s\n", key)
			return nil
		},
	}
}
