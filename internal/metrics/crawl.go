package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/policy/scope"
)

// CrawlMetrics accumulates run statistics with atomic counters. Every Record
// method is a constant-time update that is safe to call from any goroutine.
type CrawlMetrics struct {
	clock     crawler.Clock
	startedAt atomic.Int64

	pages         atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	robotsBlocked atomic.Int64
	duplicates    atomic.Int64
	retries       atomic.Int64
	uniqueDomains atomic.Int64

	errorKinds sync.Map // string -> *atomic.Int64
	exclusions sync.Map // string -> *atomic.Int64
	statuses   sync.Map // int -> *atomic.Int64
	domains    sync.Map // string -> *atomic.Int64
}

// Snapshot is a point-in-time view of CrawlMetrics. Counters are read
// independently and may be mutually skewed by in-flight updates.
type Snapshot struct {
	PagesProcessed    int64            `json:"pages_processed"`
	Errors            int64            `json:"errors"`
	BytesDownloaded   int64            `json:"bytes_downloaded"`
	UniqueDomains     int64            `json:"unique_domains"`
	RobotsBlocked     int64            `json:"robots_blocked"`
	DuplicatesSkipped int64            `json:"duplicates_skipped"`
	Retries           int64            `json:"retries"`
	ErrorsByKind      map[string]int64 `json:"errors_by_kind"`
	Exclusions        map[string]int64 `json:"exclusions"`
	StatusCodes       map[string]int64 `json:"status_codes"`
	Domains           map[string]int64 `json:"domains"`
	StartedAt         time.Time        `json:"started_at"`
	Now               time.Time        `json:"now"`
	ElapsedMillis     int64            `json:"elapsed_ms"`
	Elapsed           string           `json:"elapsed"`
	PagesPerMinute    float64          `json:"pages_per_minute"`
	BytesPerSecond    float64          `json:"bytes_per_second"`
	ErrorRate         float64          `json:"error_rate"`
	FormattedBytes    string           `json:"formatted_bytes"`
}

// NewCrawlMetrics returns zeroed metrics whose clock starts now.
func NewCrawlMetrics(clock crawler.Clock) *CrawlMetrics {
	if clock == nil {
		clock = system.New()
	}
	m := &CrawlMetrics{clock: clock}
	m.Start()
	return m
}

// Start resets the elapsed-time origin to now.
func (m *CrawlMetrics) Start() {
	m.startedAt.Store(m.clock.Now().UnixNano())
}

// RecordPageProcessed counts one successfully fetched page of n bytes.
func (m *CrawlMetrics) RecordPageProcessed(n int64) {
	m.pages.Add(1)
	if n > 0 {
		m.bytes.Add(n)
	}
}

// RecordError counts one failure of the given kind. Robots exclusions are also
// tracked separately as robotsBlocked.
func (m *CrawlMetrics) RecordError(kind string) {
	m.errors.Add(1)
	if kind == "" {
		kind = "unknown"
	}
	counter(&m.errorKinds, kind).Add(1)
	if kind == string(crawler.KindRobotsDisallowed) {
		m.robotsBlocked.Add(1)
	}
	ObserveError(kind)
}

// RecordDomain counts one page for host and adds it to the unique domain set.
func (m *CrawlMetrics) RecordDomain(host string) {
	if host == "" {
		return
	}
	c, loaded := m.domains.LoadOrStore(host, new(atomic.Int64))
	if !loaded {
		m.uniqueDomains.Add(1)
	}
	c.(*atomic.Int64).Add(1)
}

// RecordStatus counts one response with the given status code.
func (m *CrawlMetrics) RecordStatus(code int) {
	counter(&m.statuses, code).Add(1)
}

// RecordExclusion counts one URL dropped by crawl policy.
func (m *CrawlMetrics) RecordExclusion(reason string) {
	counter(&m.exclusions, reason).Add(1)
	if reason == string(scope.ReasonDuplicate) {
		m.duplicates.Add(1)
	}
	ObserveExclusion(reason)
}

// RecordRetry counts one fetch retry.
func (m *CrawlMetrics) RecordRetry() {
	m.retries.Add(1)
	ObserveRetry()
}

// PagesProcessed returns the number of successfully fetched pages.
func (m *CrawlMetrics) PagesProcessed() int64 {
	return m.pages.Load()
}

// Snapshot computes derived rates and formatted values at read time.
func (m *CrawlMetrics) Snapshot() Snapshot {
	now := m.clock.Now()
	started := time.Unix(0, m.startedAt.Load()).UTC()
	elapsed := now.Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}

	s := Snapshot{
		PagesProcessed:    m.pages.Load(),
		Errors:            m.errors.Load(),
		BytesDownloaded:   m.bytes.Load(),
		UniqueDomains:     m.uniqueDomains.Load(),
		RobotsBlocked:     m.robotsBlocked.Load(),
		DuplicatesSkipped: m.duplicates.Load(),
		Retries:           m.retries.Load(),
		ErrorsByKind:      collect(&m.errorKinds),
		Exclusions:        collect(&m.exclusions),
		StatusCodes:       collect(&m.statuses),
		Domains:           collect(&m.domains),
		StartedAt:         started,
		Now:               now,
		ElapsedMillis:     elapsed.Milliseconds(),
		Elapsed:           FormatElapsed(elapsed),
	}
	if ms := elapsed.Milliseconds(); ms > 0 {
		s.PagesPerMinute = float64(s.PagesProcessed) * 60000 / float64(ms)
		s.BytesPerSecond = float64(s.BytesDownloaded) * 1000 / float64(ms)
	}
	if total := s.PagesProcessed + s.Errors; total > 0 {
		s.ErrorRate = float64(s.Errors) * 100 / float64(total)
	}
	s.FormattedBytes = FormatBytes(s.BytesDownloaded)
	return s
}

// FormatBytes renders n with a binary B/KB/MB/GB unit and two decimals.
func FormatBytes(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	}
}

// FormatElapsed renders d as "1h 2m 3s", omitting leading zero units.
func FormatElapsed(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes%60, seconds%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func counter(m *sync.Map, key any) *atomic.Int64 {
	if c, ok := m.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func collect(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(key, value any) bool {
		var k string
		switch v := key.(type) {
		case string:
			k = v
		case int:
			k = strconv.Itoa(v)
		default:
			k = fmt.Sprint(v)
		}
		out[k] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}
