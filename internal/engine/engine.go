// Package engine runs the crawl: a fixed pool of workers pulls tasks from the
// frontier, fetches and parses pages, feeds outlinks back to the frontier and
// hands page content to the indexer and the page sink. The engine owns the
// run state machine and the run's metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/indexer"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

const defaultWorkers = 4

// Stop reasons reported in the run's final progress event.
const (
	ReasonRequested = "requested"
	ReasonDrained   = "drained"
	ReasonNoWork    = "no_work"
	ReasonMaxPages  = "max_pages"
	ReasonCanceled  = "canceled"
	ReasonInvariant = "invariant_violation"
)

// PageSink receives every fetched page. It must not block on I/O; the
// write-behind writer satisfies it.
type PageSink interface {
	SavePage(ctx context.Context, page crawler.PageRecord) error
}

// Config controls the worker pool. MaxPages is a safety net on processed
// pages; the frontier's submission cap is the primary limit. With
// StopWhenDrained the engine stops itself once the frontier has no pending
// or in-flight work.
type Config struct {
	Workers         int
	MaxPages        int64
	StopWhenDrained bool
}

// Deps are the collaborators the engine drives. Frontier, Fetcher and Indexer
// are required.
type Deps struct {
	Frontier *frontier.Frontier
	Fetcher  crawler.Fetcher
	Indexer  *indexer.Indexer
	Robots   crawler.RobotsPolicy
	Store    PageSink
	Metrics  *metrics.CrawlMetrics
	Progress progress.Emitter
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
}

// Engine is the crawler's worker pool and run state.
type Engine struct {
	cfg      Config
	frontier *frontier.Frontier
	fetcher  crawler.Fetcher
	indexer  *indexer.Indexer
	robots   crawler.RobotsPolicy
	store    PageSink
	metrics  *metrics.CrawlMetrics
	progress progress.Emitter
	ids      crawler.IDGenerator
	clock    crawler.Clock
	logger   *zap.Logger

	// lifecycle serializes Start's setup with beginStop so a stop never
	// observes Running before the workers are counted.
	lifecycle  sync.Mutex
	state      atomic.Int32
	runID      atomic.Value // string
	runRaw     [16]byte
	startedAt  time.Time
	stopReason atomic.Value // string
	failed     atomic.Bool
	selfStop   sync.Once
	hosts      sync.Map
	wg         sync.WaitGroup
	done       chan struct{}
}

// New validates deps and wires frontier exclusions into the run metrics.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Frontier == nil {
		return nil, errors.New("engine: frontier is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if deps.Indexer == nil {
		return nil, errors.New("engine: indexer is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCrawlMetrics(deps.Clock)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	e := &Engine{
		cfg:      cfg,
		frontier: deps.Frontier,
		fetcher:  deps.Fetcher,
		indexer:  deps.Indexer,
		robots:   deps.Robots,
		store:    deps.Store,
		metrics:  deps.Metrics,
		progress: deps.Progress,
		ids:      deps.IDs,
		clock:    deps.Clock,
		logger:   logger.Named("engine"),
		done:     make(chan struct{}),
	}
	e.runID.Store("")
	e.stopReason.Store("")
	e.frontier.OnExclusion(func(_ string, reason scope.Reason) {
		e.metrics.RecordExclusion(string(reason))
	})
	return e, nil
}

// Submit offers a seed URL at depth zero. Policy exclusions return false with
// a nil error; a malformed URL is counted and returned.
func (e *Engine) Submit(rawURL string) (bool, error) {
	ok, err := e.frontier.Submit(rawURL, 0, "")
	if err != nil {
		e.metrics.RecordError("malformed_url")
		return false, fmt.Errorf("submit seed: %w", err)
	}
	metrics.SetFrontierSize(e.frontier.Size())
	return ok, nil
}

// Start moves Idle to Running and spawns the workers. Cancelling ctx aborts
// in-flight fetches and stops the run.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, e.State())
	}
	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Warn("run id generation failed", zap.Error(err))
	} else if raw, perr := progress.ParseRunID(id); perr == nil {
		e.runRaw = raw
	}
	e.runID.Store(id)
	e.startedAt = e.clock.Now()
	e.metrics.Start()
	e.emit(progress.Event{Stage: progress.StageRunStart})
	e.logger.Info("engine started",
		zap.String("run_id", id),
		zap.Int("workers", e.cfg.Workers),
		zap.Int("seeds", e.frontier.Accepted()))

	e.wg.Add(e.cfg.Workers)
	for i := range e.cfg.Workers {
		go e.work(ctx, i)
	}
	go e.monitor(ctx)
	return nil
}

func (e *Engine) monitor(ctx context.Context) {
	var drained <-chan struct{}
	if e.cfg.StopWhenDrained {
		if e.frontier.Accepted() == 0 {
			e.requestStop(ReasonNoWork)
			return
		}
		drained = e.frontier.Drained()
	}
	select {
	case <-drained:
		e.requestStop(ReasonDrained)
	case <-ctx.Done():
		e.requestStop(ReasonCanceled)
	case <-e.done:
	}
}

// requestStop triggers a stop at most once from inside the run. It never
// waits, so workers may call it. The frontier is closed before returning so
// the calling worker cannot take another task.
func (e *Engine) requestStop(reason string) {
	e.selfStop.Do(func() { e.beginStop(reason) })
}

// Stop moves Running to Stopping, closes the frontier and waits until every
// worker has finished its current task. It is a no-op from Idle or Stopped.
// If ctx ends first the transition still completes in the background.
func (e *Engine) Stop(ctx context.Context) error {
	e.beginStop(ReasonRequested)
	switch e.State() {
	case StateIdle, StateStopped:
		return nil
	}
	return e.Wait(ctx)
}

func (e *Engine) beginStop(reason string) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	e.stopReason.Store(reason)
	e.logger.Info("engine stopping", zap.String("reason", reason))
	e.frontier.Close()
	go e.finish()
}

func (e *Engine) finish() {
	e.wg.Wait()
	reason, _ := e.stopReason.Load().(string)
	elapsed := e.clock.Now().Sub(e.startedAt)
	stage := progress.StageRunDone
	if e.failed.Load() {
		stage = progress.StageRunError
	}
	e.emit(progress.Event{Stage: stage, Dur: max(elapsed, 0), Note: reason})
	metrics.SetFrontierSize(e.frontier.Size())

	snap := e.metrics.Snapshot()
	e.logger.Info("engine stopped",
		zap.String("reason", reason),
		zap.Int64("pages", snap.PagesProcessed),
		zap.Int64("errors", snap.Errors),
		zap.String("elapsed", snap.Elapsed))
	e.state.Store(int32(StateStopped))
	close(e.done)
}

// Wait blocks until the engine reaches Stopped or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for engine: %w", ctx.Err())
	}
}

// Done is closed once the engine reaches Stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current run state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// IsRunning reports whether workers are accepting work.
func (e *Engine) IsRunning() bool {
	return e.State() == StateRunning
}

// IsStopped reports whether the run has fully stopped.
func (e *Engine) IsStopped() bool {
	return e.State() == StateStopped
}

// RunID returns the current run's ID, or "" before Start.
func (e *Engine) RunID() string {
	id, _ := e.runID.Load().(string)
	return id
}

// StopReason returns why the run stopped, or "" while it is running.
func (e *Engine) StopReason() string {
	r, _ := e.stopReason.Load().(string)
	return r
}

// Metrics returns a snapshot of the run metrics.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Frontier exposes the frontier for status reporting.
func (e *Engine) Frontier() *frontier.Frontier {
	return e.frontier
}

// FrontierSize returns the number of tasks waiting in the frontier.
func (e *Engine) FrontierSize() int {
	return e.frontier.Size()
}

// ContentIndexer exposes the index.
func (e *Engine) ContentIndexer() *indexer.Indexer {
	return e.indexer
}

// Search runs a ranked query against the index.
func (e *Engine) Search(query string, limit int) []indexer.Result {
	return e.indexer.Search(query, limit)
}

func (e *Engine) emit(evt progress.Event) {
	if e.progress == nil || e.runRaw == [16]byte{} {
		return
	}
	evt.RunID = e.runRaw
	if evt.TS.IsZero() {
		evt.TS = e.clock.Now()
	}
	e.progress.Emit(evt)
}
