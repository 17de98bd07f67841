// Package sqlite persists page records in an embedded SQLite database using
// the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS pages (
	url           TEXT PRIMARY KEY,
	final_url     TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	content_type  TEXT NOT NULL,
	content_bytes INTEGER NOT NULL,
	title         TEXT NOT NULL,
	depth         INTEGER NOT NULL,
	outlinks      TEXT NOT NULL,
	fetched_at    TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL,
	from_cache    INTEGER NOT NULL,
	no_index      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_fetched_at ON pages(fetched_at);
`

const upsert = `
INSERT INTO pages (
	url, final_url, status_code, content_type, content_bytes, title,
	depth, outlinks, fetched_at, duration_ms, from_cache, no_index
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
	final_url = excluded.final_url,
	status_code = excluded.status_code,
	content_type = excluded.content_type,
	content_bytes = excluded.content_bytes,
	title = excluded.title,
	depth = excluded.depth,
	outlinks = excluded.outlinks,
	fetched_at = excluded.fetched_at,
	duration_ms = excluded.duration_ms,
	from_cache = excluded.from_cache,
	no_index = excluded.no_index`

// PageStore upserts one row per normalized URL.
type PageStore struct {
	db *sql.DB
}

// Open creates the database file and its directory if needed, enables WAL and
// bootstraps the schema.
func Open(ctx context.Context, path string) (*PageStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Join(fmt.Errorf("bootstrap sqlite: %w", err), db.Close())
		}
	}
	return &PageStore{db: db}, nil
}

// SavePage implements crawler.PageStore.
func (s *PageStore) SavePage(ctx context.Context, page crawler.PageRecord) error {
	row, err := storage.RowFromPage(page)
	if err != nil {
		return err
	}
	outlinks, err := json.Marshal(row.Outlinks)
	if err != nil {
		return fmt.Errorf("marshal outlinks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsert,
		row.URL,
		row.FinalURL,
		row.StatusCode,
		row.ContentType,
		row.ContentBytes,
		row.Title,
		row.Depth,
		string(outlinks),
		row.FetchedAt.Format(time.RFC3339Nano),
		row.DurationMS,
		row.FromCache,
		row.NoIndex,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// Get reads the row stored for url.
func (s *PageStore) Get(ctx context.Context, url string) (storage.Row, error) {
	var (
		row      storage.Row
		outlinks string
		fetched  string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT url, final_url, status_code, content_type, content_bytes, title,
	depth, outlinks, fetched_at, duration_ms, from_cache, no_index
FROM pages WHERE url = ?`, url).Scan(
		&row.URL,
		&row.FinalURL,
		&row.StatusCode,
		&row.ContentType,
		&row.ContentBytes,
		&row.Title,
		&row.Depth,
		&outlinks,
		&fetched,
		&row.DurationMS,
		&row.FromCache,
		&row.NoIndex,
	)
	if err != nil {
		return storage.Row{}, fmt.Errorf("select page: %w", err)
	}
	if err := json.Unmarshal([]byte(outlinks), &row.Outlinks); err != nil {
		return storage.Row{}, fmt.Errorf("decode outlinks: %w", err)
	}
	if row.FetchedAt, err = time.Parse(time.RFC3339Nano, fetched); err != nil {
		return storage.Row{}, fmt.Errorf("decode fetched_at: %w", err)
	}
	return row, nil
}

// Count returns the number of stored pages.
func (s *PageStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// Close implements crawler.PageStore.
func (s *PageStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
