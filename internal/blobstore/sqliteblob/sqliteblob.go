// Package sqliteblob is the default blobstore.Store implementation: a
// single kv table in an embedded SQLite database, no cgo required.
package sqliteblob

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/openlist/assetengine/internal/blobstore"
)

// Store persists key/value pairs in a single SQLite table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if necessary) a SQLite-backed blob store at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: ping database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("blobstore: migrate: %w", err)
	}
	logger.Info("blobstore initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// Get implements blobstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w", key, err)
	}
	return value, nil
}

// GetMany implements blobstore.Store.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err == blobstore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Set implements blobstore.Store.
func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, upsert, k, v); err != nil {
			return fmt.Errorf("blobstore: set %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// Remove implements blobstore.Store.
func (s *Store) Remove(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("blobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return fmt.Errorf("blobstore: remove %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// Close implements blobstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
