// Package writebehind decouples crawl workers from page persistence. Put
// enqueues, waiting a bounded time when the buffer is full; a fixed set of
// flusher goroutines performs the actual writes.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const (
	defaultBuffer         = 1024
	defaultFlushers       = 2
	defaultSaveTimeout    = 30 * time.Second
	defaultEnqueueTimeout = 2 * time.Second
)

var (
	// ErrClosed is returned by Put after Close.
	ErrClosed = errors.New("write-behind writer closed")
	// ErrBufferFull is returned when a page could not be queued in time and
	// was dropped.
	ErrBufferFull = errors.New("write-behind buffer full")
)

// Config sizes the queue and flusher pool. EnqueueTimeout bounds how long Put
// waits for room in a full buffer.
type Config struct {
	Buffer         int
	Flushers       int
	SaveTimeout    time.Duration
	EnqueueTimeout time.Duration
}

// Writer buffers page records in front of a PageStore.
type Writer struct {
	store   crawler.PageStore
	cfg     Config
	queue   chan crawler.PageRecord
	group   *errgroup.Group
	logger  *zap.Logger
	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// New starts the flushers.
func New(store crawler.PageStore, cfg Config, logger *zap.Logger) (*Writer, error) {
	if store == nil {
		return nil, errors.New("page store is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Flushers <= 0 {
		cfg.Flushers = defaultFlushers
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:  store,
		cfg:    cfg,
		queue:  make(chan crawler.PageRecord, cfg.Buffer),
		group:  &errgroup.Group{},
		logger: logger.Named("writebehind"),
	}
	for range cfg.Flushers {
		w.group.Go(w.flush)
	}
	return w, nil
}

// Put enqueues page. When the buffer is full it waits up to EnqueueTimeout
// or until ctx ends; a page that still does not fit is dropped, counted and
// reported with ErrBufferFull.
func (w *Writer) Put(ctx context.Context, page crawler.PageRecord) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- page:
		return nil
	default:
	}

	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case w.queue <- page:
		return nil
	case <-ctx.Done():
		w.dropped.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrBufferFull, page.URL, ctx.Err())
	case <-timer.C:
		w.dropped.Add(1)
		w.logger.Warn("page dropped by full write-behind buffer", zap.String("url", page.URL))
		return fmt.Errorf("%w: %s", ErrBufferFull, page.URL)
	}
}

// SavePage is Put with the signature the engine hands pages to.
func (w *Writer) SavePage(ctx context.Context, page crawler.PageRecord) error {
	return w.Put(ctx, page)
}

func (w *Writer) flush() error {
	for page := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SaveTimeout)
		err := w.store.SavePage(ctx, page)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Warn("page save failed", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		w.written.Add(1)
	}
	return nil
}

// Close stops accepting pages, waits for queued pages to be written or for
// ctx to end, then closes the underlying store.
func (w *Writer) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()

		done := make(chan struct{})
		go func() {
			_ = w.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("drain write-behind queue: %w", ctx.Err())
		}
		if cerr := w.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close page store: %w", cerr))
		}
	})
	return err
}

// Dropped returns the number of pages lost to a full buffer.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed returns the number of pages the store rejected.
func (w *Writer) Failed() int64 { return w.failed.Load() }

// Written returns the number of pages stored.
func (w *Writer) Written() int64 { return w.written.Load() }
