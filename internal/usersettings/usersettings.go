// Package usersettings stores "user-" prefixed assets. User assets live
// in a flat settings space, never in the content cache, so a user's own
// filter text survives cache eviction and update cycles untouched.
package usersettings

import (
	"context"
	"errors"

	"github.com/openlist/assetengine/internal/blobstore"
	"github.com/openlist/assetengine/internal/domain"
)

// ReadResult mirrors cacheregistry.ReadResult's shape so getengine can
// treat both uniformly.
type ReadResult struct {
	AssetKey domain.AssetKey
	Content  string
	Error    string
}

// ErrNotFound matches the cache registry's error taxonomy.
const ErrNotFound = "ENOTFOUND"

// Store is flat-key settings storage.
type Store struct {
	backing blobstore.Store
}

// New creates a Store over backing.
func New(backing blobstore.Store) *Store {
	return &Store{backing: backing}
}

// Get reads a user asset's content by its full key (including the
// "user-" prefix).
func (s *Store) Get(ctx context.Context, key domain.AssetKey) ReadResult {
	raw, err := s.backing.Get(ctx, string(key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return ReadResult{AssetKey: key, Error: ErrNotFound}
		}
		return ReadResult{AssetKey: key, Error: err.Error()}
	}
	return ReadResult{AssetKey: key, Content: string(raw)}
}

// Set writes a user asset's content.
func (s *Store) Set(ctx context.Context, key domain.AssetKey, content string) error {
	return s.backing.Set(ctx, map[string][]byte{string(key): []byte(content)})
}

// IsUserKey reports whether key is a "user-" prefixed asset key.
func IsUserKey(key domain.AssetKey) bool {
	return len(key) >= 5 && string(key)[:5] == "user-"
}
