// Package safety holds the guards applied to untrusted inputs: include
// paths embedded in downloaded filter lists, and response bodies from
// upstream servers.
package safety

import (
	"fmt"
	"path"
	"strings"
)

// CleanRelativePath validates and normalizes a relative include path.
// It rejects empty, absolute, and parent-traversing paths; a sublist
// reference may only point at or below its parent list's directory.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}

	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("path resolves to current directory")
	}
	if strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(p, "..") {
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}
