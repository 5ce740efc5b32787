package blobstore

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore wraps a Store with an in-process LRU so repeated reads of
// the same key within a cycle (e.g. the cache registry re-reading
// "assetCacheRegistry" metadata or a "cache/<key>" content blob) don't
// round-trip the backing store. Writes and removes go to the underlying
// Store first; once it accepts them, Set replaces the LRU entry with the
// new value and Remove drops it, so readers never observe stale content.
type CachedStore struct {
	next  Store
	cache *lru.Cache[string, []byte]
	mu    sync.Mutex
}

// NewCachedStore wraps next with an LRU of the given size. The size is
// an entry count, not bytes; content blobs here are small text files.
func NewCachedStore(next Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 256
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{next: next, cache: c}, nil
}

// Get implements Store.
func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if v, ok := s.cache.Get(key); ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache.Add(key, v)
	s.mu.Unlock()
	return v, nil
}

// GetMany implements Store.
func (s *CachedStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	var miss []string
	s.mu.Lock()
	for _, k := range keys {
		if v, ok := s.cache.Get(k); ok {
			out[k] = v
		} else {
			miss = append(miss, k)
		}
	}
	s.mu.Unlock()

	if len(miss) == 0 {
		return out, nil
	}
	fetched, err := s.next.GetMany(ctx, miss)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for k, v := range fetched {
		s.cache.Add(k, v)
		out[k] = v
	}
	s.mu.Unlock()
	return out, nil
}

// Set implements Store.
func (s *CachedStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := s.next.Set(ctx, values); err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range values {
		s.cache.Add(k, v)
	}
	s.mu.Unlock()
	return nil
}

// Remove implements Store.
func (s *CachedStore) Remove(ctx context.Context, keys []string) error {
	if err := s.next.Remove(ctx, keys); err != nil {
		return err
	}
	s.mu.Lock()
	for _, k := range keys {
		s.cache.Remove(k)
	}
	s.mu.Unlock()
	return nil
}

// Close implements Store.
func (s *CachedStore) Close() error {
	return s.next.Close()
}
