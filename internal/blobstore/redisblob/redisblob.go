// Package redisblob is an alternative blobstore.Store backend over
// Redis. Useful when the engine runs as one of several replicas sharing
// a cache registry.
package redisblob

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/openlist/assetengine/internal/blobstore"
)

// Store persists each key/value pair as a plain Redis string key,
// namespaced by prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing *redis.Client. prefix namespaces all keys (e.g.
// "assetengine:") so the store can share a Redis instance with other
// tenants.
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get implements blobstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisblob: get %q: %w", key, err)
	}
	return v, nil
}

// GetMany implements blobstore.Store.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisblob: mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// Set implements blobstore.Store.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	pipe := s.client.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, s.key(k), v, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisblob: set: %w", err)
	}
	return nil
}

// Remove implements blobstore.Store.
func (s *Store) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redisblob: remove: %w", err)
	}
	return nil
}

// Close implements blobstore.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
