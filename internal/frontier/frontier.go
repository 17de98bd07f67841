package frontier

import (
	"container/heap"
	"context"
	"errors"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
	"go.uber.org/zap"
)

const (
	defaultShards     = 32
	maxBackoffDoubles = 5
)

// ErrClosed is returned by Take once the frontier has been closed.
var ErrClosed = errors.New("frontier closed")

// Config tunes the frontier. MaxPages caps the number of URLs ever accepted;
// zero or negative means unlimited. Delay is the minimum interval between two
// fetches of the same host and Jitter adds a random extra delay in [0, Jitter).
type Config struct {
	MaxPages int
	Delay    time.Duration
	Jitter   time.Duration
	Shards   int
	Clock    crawler.Clock
}

// ExclusionFunc observes every policy exclusion.
type ExclusionFunc func(rawURL string, reason scope.Reason)

// Frontier is a thread-safe, deduplicated, host-aware work queue.
type Frontier struct {
	cfg       Config
	scope     *scope.Policy
	clock     crawler.Clock
	logger    *zap.Logger
	visited   *visitedSet
	accepted  atomic.Int64
	closed    atomic.Bool
	onExclude ExclusionFunc

	mu       sync.Mutex
	hosts    map[string]*hostState
	ready    hostHeap
	pending  int
	inFlight int
	seq      uint64
	wake     chan struct{}

	drainOnce sync.Once
	drained   chan struct{}
}

// New constructs a Frontier. A nil scope admits every well-formed URL.
func New(cfg Config, policy *scope.Policy, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = scope.New(scope.Config{MaxDepth: -1, SkipExtensions: []string{}})
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	return &Frontier{
		cfg:     cfg,
		scope:   policy,
		clock:   clk,
		logger:  logger.Named("frontier"),
		visited: newVisitedSet(cfg.Shards),
		hosts:   make(map[string]*hostState),
		wake:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// OnExclusion registers fn to observe policy exclusions. It must be called
// before the first Submit.
func (f *Frontier) OnExclusion(fn ExclusionFunc) {
	f.onExclude = fn
}

// Submit offers a URL to the frontier. Policy exclusions are not errors: they
// return false with a nil error. Only a malformed URL reports an error.
func (f *Frontier) Submit(rawURL string, depth int, from string) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	if f.closed.Load() {
		return false, nil
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return false, errors.Join(crawler.ErrMalformedURL, err)
	}
	if reason, ok := f.scope.Check(parsed, depth); !ok {
		f.exclude(normalized, reason)
		return false, nil
	}

	capped := false
	added, duplicate := f.visited.addIf(normalized, func() bool {
		if !f.reserveSlot() {
			capped = true
			return false
		}
		return true
	})
	switch {
	case duplicate:
		f.exclude(normalized, scope.ReasonDuplicate)
		return false, nil
	case capped:
		f.exclude(normalized, scope.ReasonPageCap)
		return false, nil
	case !added:
		return false, nil
	}

	host, err := crawler.Host(normalized)
	if err != nil {
		return false, err
	}
	task := crawler.CrawlTask{URL: normalized, Host: host, Depth: depth, DiscoveredFrom: from}

	f.mu.Lock()
	hs := f.hostLocked(host)
	hs.queue = append(hs.queue, task)
	f.pending++
	if !hs.inFlight && !hs.queued() {
		f.pushLocked(hs)
	}
	f.broadcastLocked()
	f.mu.Unlock()
	return true, nil
}

func (f *Frontier) reserveSlot() bool {
	limit := int64(f.cfg.MaxPages)
	for {
		current := f.accepted.Load()
		if limit > 0 && current >= limit {
			return false
		}
		if f.accepted.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (f *Frontier) exclude(rawURL string, reason scope.Reason) {
	f.logger.Debug("url excluded", zap.String("url", rawURL), zap.String("reason", string(reason)))
	if f.onExclude != nil {
		f.onExclude(rawURL, reason)
	}
}

// Take blocks until a task whose host may be fetched is available. It returns
// ErrClosed once the frontier is closed, or the context error.
func (f *Frontier) Take(ctx context.Context) (crawler.CrawlTask, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		f.mu.Lock()
		if f.closed.Load() {
			f.mu.Unlock()
			return crawler.CrawlTask{}, ErrClosed
		}
		now := f.clock.Now()
		var wait time.Duration
		if top := f.ready.peek(); top != nil {
			if !top.nextAllowed.After(now) {
				task := f.popLocked()
				f.mu.Unlock()
				return task, nil
			}
			wait = top.nextAllowed.Sub(now)
		}
		wakeCh := f.wake
		f.mu.Unlock()

		var timerC <-chan time.Time
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return crawler.CrawlTask{}, ctx.Err()
		case <-wakeCh:
		case <-timerC:
		}
	}
}

func (f *Frontier) popLocked() crawler.CrawlTask {
	popped := heap.Pop(&f.ready)
	hs, ok := popped.(*hostState)
	if !ok || len(hs.queue) == 0 {
		panic("frontier: ready heap holds a host without queued work")
	}
	task := hs.queue[0]
	hs.queue[0] = crawler.CrawlTask{}
	hs.queue = hs.queue[1:]
	hs.inFlight = true
	hs.holder = task.URL
	f.pending--
	f.inFlight++
	return task
}

// MarkFetched releases the host slot after a fetch attempt and schedules the
// host's next fetch no earlier than now plus its delay.
func (f *Frontier) MarkFetched(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.hostLocked(host)
	hs.failures = 0
	if !hs.inFlight {
		return
	}
	f.releaseLocked(hs, f.delayLocked(hs))
}

// MarkFailed releases the host slot after a failed fetch and doubles the
// host's delay for each consecutive failure.
func (f *Frontier) MarkFailed(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.hostLocked(host)
	if hs.failures < maxBackoffDoubles {
		hs.failures++
	}
	if !hs.inFlight {
		return
	}
	f.releaseLocked(hs, f.delayLocked(hs)*time.Duration(1<<hs.failures))
}

// SetHostDelay overrides a host's delay. The effective delay is never below
// the configured default.
func (f *Frontier) SetHostDelay(host string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostLocked(host).delay = delay
}

// HostDelay reports the effective delay for host without jitter.
func (f *Frontier) HostDelay(host string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs, ok := f.hosts[host]
	if !ok {
		return f.cfg.Delay
	}
	return max(hs.delay, f.cfg.Delay)
}

// Finish records that a task taken from the frontier is fully processed,
// including submission of its outlinks. If task still holds its host's slot
// (no MarkFetched or MarkFailed happened) the slot is released with the
// host's delay. A slot since taken by another task is left alone.
func (f *Frontier) Finish(task crawler.CrawlTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight <= 0 {
		panic("frontier: Finish called without a matching Take")
	}
	f.inFlight--
	if hs, ok := f.hosts[task.Host]; ok && hs.inFlight && hs.holder == task.URL {
		f.releaseLocked(hs, f.delayLocked(hs))
	}
	if f.pending == 0 && f.inFlight == 0 {
		f.drainOnce.Do(func() { close(f.drained) })
	}
}

// Drained is closed once every accepted task has been taken and finished.
func (f *Frontier) Drained() <-chan struct{} {
	return f.drained
}

// Size returns the number of tasks waiting to be taken.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// InFlight returns the number of tasks taken but not yet finished.
func (f *Frontier) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Accepted returns the number of URLs admitted so far.
func (f *Frontier) Accepted() int {
	return int(f.accepted.Load())
}

// Seen reports whether rawURL was already admitted.
func (f *Frontier) Seen(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	return f.visited.contains(normalized)
}

// Close stops submissions and wakes every blocked Take.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Swap(true) {
		return
	}
	f.broadcastLocked()
}

// Closed reports whether Close has been called.
func (f *Frontier) Closed() bool {
	return f.closed.Load()
}

func (f *Frontier) hostLocked(host string) *hostState {
	hs, ok := f.hosts[host]
	if !ok {
		hs = &hostState{host: host, index: -1}
		f.hosts[host] = hs
	}
	return hs
}

func (f *Frontier) releaseLocked(hs *hostState, delay time.Duration) {
	hs.inFlight = false
	hs.holder = ""
	next := f.clock.Now().Add(delay)
	if next.After(hs.nextAllowed) {
		hs.nextAllowed = next
	}
	if len(hs.queue) > 0 && !hs.queued() {
		f.pushLocked(hs)
	}
	f.broadcastLocked()
}

func (f *Frontier) delayLocked(hs *hostState) time.Duration {
	delay := max(hs.delay, f.cfg.Delay)
	if f.cfg.Jitter > 0 {
		delay += rand.N(f.cfg.Jitter)
	}
	return delay
}

func (f *Frontier) pushLocked(hs *hostState) {
	f.seq++
	hs.seq = f.seq
	heap.Push(&f.ready, hs)
}

// broadcastLocked wakes every goroutine parked in Take.
func (f *Frontier) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
