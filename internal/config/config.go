// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backend names accepted in storage.backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBlob     = "blob"
)

// Blob providers accepted in storage.blob.provider.
const (
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
}

// CrawlerConfig governs crawl scope, politeness and the worker pool.
// MaxPages caps accepted URLs; MaxDepth < 0 disables the depth ceiling.
type CrawlerConfig struct {
	Workers           int      `mapstructure:"workers"`
	MaxPages          int      `mapstructure:"max_pages"`
	MaxDepth          int      `mapstructure:"max_depth"`
	Seeds             []string `mapstructure:"seeds"`
	AllowedDomains    []string `mapstructure:"allowed_domains"`
	BlockedDomains    []string `mapstructure:"blocked_domains"`
	SkipExtensions    []string `mapstructure:"skip_extensions"`
	DelayMs           int      `mapstructure:"delay_ms"`
	JitterMs          int      `mapstructure:"jitter_ms"`
	UserAgent         string   `mapstructure:"user_agent"`
	RespectRobots     bool     `mapstructure:"respect_robots"`
	RobotsUnreachable string   `mapstructure:"robots_unreachable"`
	MaxConnections    int      `mapstructure:"max_connections"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	RequestBurst      int      `mapstructure:"request_burst"`
}

// HTTPConfig configures HTTP client retry and content limits.
type HTTPConfig struct {
	TimeoutSeconds      int      `mapstructure:"timeout_seconds"`
	MaxRetries          int      `mapstructure:"max_retries"`
	BackoffInitialMs    int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int      `mapstructure:"backoff_max_ms"`
	MaxBodyBytes        int64    `mapstructure:"max_body_bytes"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
}

// IndexerConfig tunes tokenization. An unset StopWords list keeps the
// built-in English list.
type IndexerConfig struct {
	Shards         int      `mapstructure:"shards"`
	MinTokenLength int      `mapstructure:"min_token_length"`
	StopWords      []string `mapstructure:"stop_words"`
	Stemming       bool     `mapstructure:"stemming"`
}

// StorageConfig selects page stores. Every listed backend receives every page.
type StorageConfig struct {
	Backends    []string          `mapstructure:"backends"`
	Blob        BlobConfig        `mapstructure:"blob"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	WriteBehind WriteBehindConfig `mapstructure:"write_behind"`
}

// BlobConfig sets where raw HTML bodies are written.
type BlobConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig controls the page metadata cache.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// WriteBehindConfig sizes the buffer between workers and page stores.
type WriteBehindConfig struct {
	Buffer           int `mapstructure:"buffer"`
	Flushers         int `mapstructure:"flushers"`
	EnqueueTimeoutMs int `mapstructure:"enqueue_timeout_ms"`
}

// EnqueueTimeout is how long a worker waits on a full buffer before the page
// is dropped.
func (w WriteBehindConfig) EnqueueTimeout() time.Duration {
	return time.Duration(w.EnqueueTimeoutMs) * time.Millisecond
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// ProjectID keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls progress event batching.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.max_pages", 100)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.skip_extensions", []string{})
	v.SetDefault("crawler.delay_ms", 1000)
	v.SetDefault("crawler.jitter_ms", 0)
	v.SetDefault("crawler.user_agent", "polite-crawler/1.0 (+https://github.com/JakeFAU/polite-crawler)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_unreachable", "allow")
	v.SetDefault("crawler.max_connections", 64)
	v.SetDefault("crawler.requests_per_second", 0)
	v.SetDefault("crawler.request_burst", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.allowed_content_types", []string{"text/html", "application/xhtml+xml", "text/plain"})
	v.SetDefault("indexer.shards", 64)
	v.SetDefault("indexer.min_token_length", 3)
	v.SetDefault("indexer.stemming", true)
	v.SetDefault("storage.backends", []string{BackendMemory})
	v.SetDefault("storage.blob.provider", BlobMemory)
	v.SetDefault("storage.blob.base_dir", "./data/pages")
	v.SetDefault("storage.blob.prefix", "pages")
	v.SetDefault("storage.sqlite.path", "./data/crawler.db")
	v.SetDefault("storage.postgres.table", "crawl_pages")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.ttl_seconds", 86400)
	v.SetDefault("storage.redis.key_prefix", "crawler:page:")
	v.SetDefault("storage.write_behind.buffer", 1024)
	v.SetDefault("storage.write_behind.flushers", 2)
	v.SetDefault("storage.write_behind.enqueue_timeout_ms", 2000)
	v.SetDefault("pubsub.topic_name", "crawl-progress")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "polite-crawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.Crawler.DelayMs < 0 || c.Crawler.JitterMs < 0 {
		return fmt.Errorf("crawler.delay_ms and crawler.jitter_ms must be >= 0")
	}
	switch c.Crawler.RobotsUnreachable {
	case "allow", "deny":
	default:
		return fmt.Errorf("crawler.robots_unreachable must be allow or deny, got %q", c.Crawler.RobotsUnreachable)
	}
	if c.Crawler.MaxConnections <= 0 {
		return fmt.Errorf("crawler.max_connections must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0")
	}
	if c.Storage.WriteBehind.Buffer <= 0 {
		return fmt.Errorf("storage.write_behind.buffer must be > 0")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func (s StorageConfig) validate() error {
	for _, b := range s.Backends {
		switch b {
		case BackendMemory:
		case BackendSQLite:
			if s.SQLite.Path == "" {
				return fmt.Errorf("storage.sqlite.path must be set when sqlite is enabled")
			}
		case BackendPostgres:
			if s.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn must be set when postgres is enabled")
			}
		case BackendRedis:
			if s.Redis.Addr == "" {
				return fmt.Errorf("storage.redis.addr must be set when redis is enabled")
			}
		case BackendBlob:
			switch s.Blob.Provider {
			case BlobMemory:
			case BlobLocal:
				if s.Blob.BaseDir == "" {
					return fmt.Errorf("storage.blob.base_dir must be set for the local provider")
				}
			case BlobGCS:
				if s.Blob.GCSBucket == "" {
					return fmt.Errorf("storage.blob.gcs_bucket must be set for the gcs provider")
				}
			default:
				return fmt.Errorf("storage.blob.provider %q is not supported", s.Blob.Provider)
			}
		default:
			return fmt.Errorf("storage.backends: unknown backend %q", b)
		}
	}
	return nil
}

// Enabled reports whether backend is listed in storage.backends.
func (s StorageConfig) Enabled(backend string) bool {
	return slices.Contains(s.Backends, backend)
}

// RequestTimeout bounds each API request.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout bounds one HTTP attempt.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// StopGrace is how long a cooperative stop waits for in-flight fetches: every
// attempt of one fetch plus the backoff between them.
func (c Config) StopGrace() time.Duration {
	retries := time.Duration(max(c.HTTP.MaxRetries, 0))
	return c.FetchTimeout()*(retries+1) + c.BackoffMax()*retries
}

// PolitenessDelay is the minimum interval between fetches of one host.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// Jitter is the upper bound of the random extra delay per fetch.
func (c Config) Jitter() time.Duration {
	return time.Duration(c.Crawler.JitterMs) * time.Millisecond
}

// BackoffInitial is the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// MaxBatchWait is the longest a progress batch waits before flushing.
func (p ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(p.MaxBatchWaitMs) * time.Millisecond
}

// TTL is how long a cached page hash lives.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}
