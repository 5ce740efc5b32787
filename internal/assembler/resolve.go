package assembler

import (
	"net/url"

	"github.com/openlist/assetengine/internal/fetch"
	"github.com/openlist/assetengine/internal/safety"
)

// resolveInclude resolves an !#include directive's path against its
// parent list's URL, rejecting absolute URLs and path traversal.
func resolveInclude(parentURL, includePath string) (string, bool) {
	if fetch.IsExternalURL(includePath) {
		return "", false
	}
	if _, err := safety.CleanRelativePath(includePath); err != nil {
		return "", false
	}

	parent, err := url.Parse(parentURL)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(includePath)
	if err != nil {
		return "", false
	}
	return parent.ResolveReference(ref).String(), true
}
