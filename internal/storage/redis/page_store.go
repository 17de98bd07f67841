// Package redis caches page metadata in Redis hashes with a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/hash/sha256"
	"github.com/JakeFAU/polite-crawler/internal/storage"
)

const defaultKeyPrefix = "crawler:page:"

// Config describes the Redis connection and key layout. A zero TTL keeps
// keys forever.
type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// PageStore writes one hash per URL under KeyPrefix + sha256(url).
type PageStore struct {
	client    goredis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("storage.redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("ping redis: %w", err), client.Close())
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, cfg Config) *PageStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &PageStore{client: client, ttl: cfg.TTL, keyPrefix: prefix}
}

// Key returns the hash key for a normalized URL.
func (s *PageStore) Key(url string) string {
	return s.keyPrefix + sha256.URLKey(url)
}

// SavePage writes the hash and refreshes its TTL in one transaction.
func (s *PageStore) SavePage(ctx context.Context, page crawler.PageRecord) error {
	row, err := storage.RowFromPage(page)
	if err != nil {
		return err
	}
	fields, err := hashFields(row)
	if err != nil {
		return err
	}
	key := s.Key(row.URL)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write page hash: %w", err)
	}
	return nil
}

// Get reads the cached fields for url.
func (s *PageStore) Get(ctx context.Context, url string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.Key(url)).Result()
	if err != nil {
		return nil, fmt.Errorf("read page hash: %w", err)
	}
	return fields, nil
}

func hashFields(row storage.Row) (map[string]any, error) {
	outlinks, err := json.Marshal(row.Outlinks)
	if err != nil {
		return nil, fmt.Errorf("marshal outlinks: %w", err)
	}
	return map[string]any{
		"url":           row.URL,
		"final_url":     row.FinalURL,
		"status_code":   strconv.Itoa(row.StatusCode),
		"content_type":  row.ContentType,
		"content_bytes": strconv.FormatInt(row.ContentBytes, 10),
		"title":         row.Title,
		"depth":         strconv.Itoa(row.Depth),
		"outlinks":      string(outlinks),
		"fetched_at":    row.FetchedAt.Format(time.RFC3339Nano),
		"duration_ms":   strconv.FormatInt(row.DurationMS, 10),
		"from_cache":    strconv.FormatBool(row.FromCache),
		"no_index":      strconv.FormatBool(row.NoIndex),
	}, nil
}

// Close closes the client.
func (s *PageStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
