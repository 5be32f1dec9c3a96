// Package sqlite provides a SQLite-backed pending sync item store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"swcache/internal/syncstore"
	"swcache/internal/syncstore/sqlite/migrations"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed pending sync item persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a store at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Add(ctx context.Context, item syncstore.Item) (syncstore.Item, error) {
	if err := ctx.Err(); err != nil {
		return syncstore.Item{}, err
	}
	item, err := syncstore.Normalize(item)
	if err != nil {
		return syncstore.Item{}, err
	}
	headers, err := json.Marshal(item.Headers)
	if err != nil {
		return syncstore.Item{}, fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_sync_items (
	id,
	url,
	method,
	headers,
	body,
	attempts,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	url = excluded.url,
	method = excluded.method,
	headers = excluded.headers,
	body = excluded.body
`,
		item.ID,
		item.URL,
		item.Method,
		string(headers),
		item.Body,
		item.Attempts,
		item.LastError,
		item.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return syncstore.Item{}, fmt.Errorf("add item: %w", err)
	}
	return item, nil
}

// List returns pending items oldest first.
func (s *Store) List(ctx context.Context) ([]syncstore.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	url,
	method,
	headers,
	body,
	attempts,
	last_error,
	created_at
FROM pending_sync_items
ORDER BY created_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []syncstore.Item
	for rows.Next() {
		var (
			item      syncstore.Item
			headers   string
			createdAt int64
		)
		if err := rows.Scan(
			&item.ID,
			&item.URL,
			&item.Method,
			&headers,
			&item.Body,
			&item.Attempts,
			&item.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if headers != "" && headers != "null" {
			if err := json.Unmarshal([]byte(headers), &item.Headers); err != nil {
				return nil, fmt.Errorf("decode headers for %s: %w", item.ID, err)
			}
		}
		item.CreatedAt = time.UnixMilli(createdAt).UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_sync_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return requireRow(res)
}

func (s *Store) RecordFailure(ctx context.Context, id string, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE pending_sync_items
SET attempts = attempts + 1, last_error = ?
WHERE id = ?
`, strings.TrimSpace(lastError), id)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return syncstore.ErrNotFound
	}
	return nil
}

var _ syncstore.Store = (*Store)(nil)
