// Package memblob is an in-memory blobstore.Store used by other packages'
// unit tests (registries, get/refresh orchestration) so they don't need a
// real SQLite or Redis instance to exercise storage-contract semantics.
package memblob

import (
	"context"
	"sync"

	"github.com/openlist/assetengine/internal/blobstore"
)

// Store is a concurrency-safe in-memory blobstore.Store.
type Store struct {
	mu     sync.Mutex
	values map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{values: make(map[string][]byte)}
}

// Get implements blobstore.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return v, nil
}

// GetMany implements blobstore.Store.
func (s *Store) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// Set implements blobstore.Store.
func (s *Store) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
	return nil
}

// Remove implements blobstore.Store.
func (s *Store) Remove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// Close implements blobstore.Store.
func (s *Store) Close() error { return nil }

// Keys returns a snapshot of all keys currently stored, for test assertions.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}
