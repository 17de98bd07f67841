// Package app assembles the crawler's long-lived services from configuration:
// page stores behind a write-behind buffer, the progress hub and its sinks,
// the fetcher stack, the frontier, the index and the engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/polite-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/indexer"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/polite-crawler/internal/publisher/memory"
	"github.com/JakeFAU/polite-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/polite-crawler/internal/storage"
	"github.com/JakeFAU/polite-crawler/internal/storage/blob"
	"github.com/JakeFAU/polite-crawler/internal/storage/gcs"
	"github.com/JakeFAU/polite-crawler/internal/storage/local"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/storage/postgres"
	"github.com/JakeFAU/polite-crawler/internal/storage/redis"
	"github.com/JakeFAU/polite-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/polite-crawler/internal/storage/writebehind"
)

// abortWait bounds the wait for workers after their fetches were cancelled.
const abortWait = 5 * time.Second

// App holds the assembled services. Engine is ready to Start once seeds are
// submitted.
type App struct {
	Engine   *engine.Engine
	Metrics  *metrics.CrawlMetrics
	Pages    *memory.PageStore
	Progress *progress.Hub

	writer    *writebehind.Writer
	publisher crawler.Publisher
	closers   []func() error
	logger    *zap.Logger
}

type options struct {
	registerer prometheus.Registerer
	publisher  crawler.Publisher
	clock      crawler.Clock
}

// Option customizes Build.
type Option func(*options)

// WithRegisterer registers progress collectors against reg instead of the
// default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher replaces the publisher chosen from configuration.
func WithPublisher(pub crawler.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// WithClock replaces the system clock.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// Build wires every component. On error, anything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	metrics.Init()

	a := &App{logger: logger.Named("app")}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	stores, err := a.openStores(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.writer, err = writebehind.New(storage.NewFanout(stores...), writebehind.Config{
		Buffer:         cfg.Storage.WriteBehind.Buffer,
		Flushers:       cfg.Storage.WriteBehind.Flushers,
		EnqueueTimeout: cfg.Storage.WriteBehind.EnqueueTimeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("start write-behind: %w", err)
	}

	pub, err := a.openPublisher(ctx, cfg.PubSub, o.publisher)
	if err != nil {
		return nil, err
	}
	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register progress collectors: %w", err)
	}
	a.Progress = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait(),
		Logger:         logger,
	}, sinks.NewLogSink(logger), promSink, sinks.NewPublisherSink(pub, cfg.PubSub.TopicName, logger))

	a.Metrics = metrics.NewCrawlMetrics(o.clock)
	robots := crawler.NewRobotsEnforcer(crawler.RobotsConfig{
		Respect:     cfg.Crawler.RespectRobots,
		UserAgent:   cfg.Crawler.UserAgent,
		Unreachable: crawler.RobotsUnreachablePolicy(cfg.Crawler.RobotsUnreachable),
		Client:      collyfetcher.NewRobotsClient(cfg.FetchTimeout()),
	}, logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:           cfg.Crawler.UserAgent,
		Timeout:             cfg.FetchTimeout(),
		MaxBodyBytes:        cfg.HTTP.MaxBodyBytes,
		AllowedContentTypes: cfg.HTTP.AllowedContentTypes,
		MaxConnections:      int64(cfg.Crawler.MaxConnections),
		MinRetryDelay:       cfg.PolitenessDelay(),
	}, collyfetcher.Deps{
		Robots: robots,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Crawler.RequestsPerSecond,
			DefaultBurst: cfg.Crawler.RequestBurst,
		}),
		Retry:   crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax()),
		Retries: a.Metrics,
		Logger:  logger,
	})

	skip := cfg.Crawler.SkipExtensions
	if len(skip) == 0 {
		skip = scope.DefaultSkipExtensions
	}
	front := frontier.New(frontier.Config{
		MaxPages: cfg.Crawler.MaxPages,
		Delay:    cfg.PolitenessDelay(),
		Jitter:   cfg.Jitter(),
		Clock:    o.clock,
	}, scope.New(scope.Config{
		AllowedDomains: cfg.Crawler.AllowedDomains,
		BlockedDomains: cfg.Crawler.BlockedDomains,
		SkipExtensions: skip,
		MaxDepth:       cfg.Crawler.MaxDepth,
	}), logger)

	idx := indexer.New(indexer.Config{
		Shards: cfg.Indexer.Shards,
		Tokenizer: indexer.TokenizerConfig{
			MinLength: cfg.Indexer.MinTokenLength,
			StopWords: cfg.Indexer.StopWords,
			Stemming:  cfg.Indexer.Stemming,
		},
	})

	a.Engine, err = engine.New(engine.Deps{
		Frontier: front,
		Fetcher:  fetcher,
		Indexer:  idx,
		Robots:   robots,
		Store:    a.writer,
		Metrics:  a.Metrics,
		Progress: a.Progress,
		IDs:      uuid.New(),
		Clock:    o.clock,
	}, engine.Config{
		Workers:         cfg.Crawler.Workers,
		MaxPages:        int64(cfg.Crawler.MaxPages),
		StopWhenDrained: true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	for _, seed := range cfg.Crawler.Seeds {
		if _, serr := a.Engine.Submit(seed); serr != nil {
			a.logger.Warn("seed rejected", zap.String("url", seed), zap.Error(serr))
		}
	}
	a.logger.Info("application services initialized",
		zap.Strings("backends", cfg.Storage.Backends),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.Int("seeds", a.Engine.Frontier().Accepted()))
	return a, nil
}

func (a *App) openStores(ctx context.Context, cfg config.StorageConfig) ([]crawler.PageStore, error) {
	var stores []crawler.PageStore
	for _, backend := range cfg.Backends {
		var (
			store crawler.PageStore
			err   error
		)
		switch backend {
		case config.BackendMemory:
			a.Pages = memory.NewPageStore()
			store = a.Pages
		case config.BackendSQLite:
			store, err = sqlite.Open(ctx, cfg.SQLite.Path)
		case config.BackendPostgres:
			store, err = postgres.Open(ctx, postgres.Config{
				DSN:      cfg.Postgres.DSN,
				Table:    cfg.Postgres.Table,
				MaxConns: cfg.Postgres.MaxConns,
			})
		case config.BackendRedis:
			store, err = redis.Open(ctx, redis.Config{
				Addr:      cfg.Redis.Addr,
				Password:  cfg.Redis.Password,
				DB:        cfg.Redis.DB,
				TTL:       cfg.Redis.TTL(),
				KeyPrefix: cfg.Redis.KeyPrefix,
			})
		case config.BackendBlob:
			store, err = openBlobStore(ctx, cfg.Blob)
		default:
			err = fmt.Errorf("unknown backend %q", backend)
		}
		if err != nil {
			closeStores(stores)
			return nil, fmt.Errorf("open %s store: %w", backend, err)
		}
		a.logger.Info("page store ready", zap.String("backend", backend))
		stores = append(stores, store)
	}
	return stores, nil
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (*blob.PageStore, error) {
	switch cfg.Provider {
	case config.BlobLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blobs: %w", err)
		}
		return blob.New(blobs, blob.WithPrefix(cfg.Prefix))
	case config.BlobGCS:
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blobs: %w", err)
		}
		return blob.New(blobs, blob.WithCloser(blobs.Close))
	default:
		return blob.New(memory.NewBlobStore(), blob.WithPrefix(cfg.Prefix))
	}
}

func closeStores(stores []crawler.PageStore) {
	for _, s := range stores {
		_ = s.Close()
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.PubSubConfig, override crawler.Publisher) (crawler.Publisher, error) {
	if override != nil {
		a.publisher = override
		return override, nil
	}
	if cfg.ProjectID == "" {
		a.logger.Info("using in-memory publisher")
		a.publisher = pubmemory.New()
		return a.publisher, nil
	}
	a.logger.Info("connecting to Pub/Sub", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicName))
	pub, err := pubsub.New(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.publisher = pub
	a.closers = append(a.closers, pub.Close)
	return pub, nil
}

// Publisher returns the notification publisher in use.
func (a *App) Publisher() crawler.Publisher {
	return a.publisher
}

// Writer exposes the write-behind buffer for its counters.
func (a *App) Writer() *writebehind.Writer {
	return a.writer
}

// Close stops the engine, flushes progress events and pending page writes,
// and closes every backend. All errors are joined.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
	}
	if a.Progress != nil {
		if err := a.Progress.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.writer != nil {
		if err := a.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close page writer: %w", err))
		}
		if n := a.writer.Dropped(); n > 0 {
			a.logger.Warn("page records dropped by write-behind buffer", zap.Int64("dropped", n))
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopEngine stops the crawl cooperatively: no new tasks are taken and
// in-flight fetches run to completion or their own timeout. If they are still
// running after grace, abort is called to cancel the engine's context and
// StopEngine waits for the workers to exit.
func (a *App) StopEngine(grace time.Duration, abort context.CancelFunc) error {
	if a.Engine == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Engine.Stop(ctx); err == nil {
		return nil
	}
	a.logger.Warn("in-flight fetches outlived the stop grace period; aborting them",
		zap.Duration("grace", grace))
	if abort != nil {
		abort()
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), abortWait)
	defer waitCancel()
	if err := a.Engine.Wait(waitCtx); err != nil {
		return fmt.Errorf("abort engine: %w", err)
	}
	return nil
}

// closeAll releases whatever a failed Build managed to open.
func (a *App) closeAll() {
	ctx := context.Background()
	if a.Progress != nil {
		_ = a.Progress.Close(ctx)
	}
	if a.writer != nil {
		_ = a.writer.Close(ctx)
	}
	for _, c := range a.closers {
		_ = c()
	}
}
