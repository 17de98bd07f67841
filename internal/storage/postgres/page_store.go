// Package postgres persists page records in Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const defaultTable = "pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageStore upserts one row per normalized URL.
type PageStore struct {
	pool   execCloser
	table  string
	upsert string
}

// Open connects a pool and creates the table if it does not exist.
func Open(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool execCloser, table string) (*PageStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{pool: pool, table: table, upsert: upsertQuery(table)}, nil
}

// Migrate creates the page table.
func (s *PageStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url           TEXT PRIMARY KEY,
	final_url     TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	content_type  TEXT NOT NULL,
	content_bytes BIGINT NOT NULL,
	title         TEXT NOT NULL,
	depth         INTEGER NOT NULL,
	outlinks      JSONB NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL,
	from_cache    BOOLEAN NOT NULL,
	no_index      BOOLEAN NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	url,
	final_url,
	status_code,
	content_type,
	content_bytes,
	title,
	depth,
	outlinks,
	fetched_at,
	duration_ms,
	from_cache,
	no_index
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (url) DO UPDATE SET
	final_url = EXCLUDED.final_url,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_bytes = EXCLUDED.content_bytes,
	title = EXCLUDED.title,
	depth = EXCLUDED.depth,
	outlinks = EXCLUDED.outlinks,
	fetched_at = EXCLUDED.fetched_at,
	duration_ms = EXCLUDED.duration_ms,
	from_cache = EXCLUDED.from_cache,
	no_index = EXCLUDED.no_index`, table)
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
	args := []any{
		row.URL,
		row.FinalURL,
		row.StatusCode,
		row.ContentType,
		row.ContentBytes,
		row.Title,
		row.Depth,
		outlinks,
		row.FetchedAt,
		row.DurationMS,
		row.FromCache,
		row.NoIndex,
	}
	if _, err := s.pool.Exec(ctx, s.upsert, args...); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PageStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
