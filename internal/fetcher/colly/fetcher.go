// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultMaxBodyBytes   = 10 << 20
	defaultMaxConnections = 64
)

// DefaultAllowedContentTypes are accepted when Config.AllowedContentTypes is empty.
var DefaultAllowedContentTypes = []string{"text/html", "application/xhtml+xml", "text/plain"}

// Config controls collector behavior. MinRetryDelay keeps retries of the same
// URL at least one politeness delay apart.
type Config struct {
	UserAgent           string
	Timeout             time.Duration
	MaxBodyBytes        int64
	AllowedContentTypes []string
	MaxConnections      int64
	MinRetryDelay       time.Duration
}

// Waiter blocks until a request to rawURL may be sent.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryRecorder is notified of every retry.
type RetryRecorder interface {
	RecordRetry()
}

// Deps are the collaborators a Fetcher consults on every fetch. Nil members
// fall back to permissive defaults.
type Deps struct {
	Robots  crawler.RobotsPolicy
	Limiter Waiter
	Retry   crawler.RetryPolicy
	Retries RetryRecorder
	Logger  *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	deps          Deps
	allowed       map[string]struct{}
	conns         *semaphore.Weighted
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, deps Deps) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	types := cfg.AllowedContentTypes
	if len(types) == 0 {
		types = DefaultAllowedContentTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}

	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	// robots.txt is enforced by deps.Robots before any request is made.
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = int(cfg.MaxBodyBytes) + 1
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{
		cfg:           cfg,
		deps:          deps,
		allowed:       allowed,
		conns:         semaphore.NewWeighted(cfg.MaxConnections),
		baseCollector: c,
		logger:        logger.Named("fetcher"),
	}
}

// Fetch retrieves task.URL, retrying transient failures per the retry policy.
// Every failure is a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, task crawler.CrawlTask) (crawler.PageRecord, error) {
	if f.deps.Robots != nil && !f.deps.Robots.Allowed(ctx, task.URL) {
		return crawler.PageRecord{}, crawler.NewRobotsDisallowedError(task.URL)
	}

	for attempt := 0; ; attempt++ {
		page, err := f.attempt(ctx, task)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil || !f.deps.Retry.ShouldRetry(err, attempt) {
			return crawler.PageRecord{}, err
		}
		wait := max(f.deps.Retry.Backoff(attempt), f.cfg.MinRetryDelay)
		f.logger.Debug("retrying fetch",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if f.deps.Retries != nil {
			f.deps.Retries.RecordRetry()
		}
		if !crawler.Pause(ctx, wait) {
			return crawler.PageRecord{}, crawler.NewTimeoutError(task.URL, ctx.Err())
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, task crawler.CrawlTask) (crawler.PageRecord, error) {
	if f.deps.Limiter != nil {
		if err := f.deps.Limiter.Wait(ctx, task.URL); err != nil {
			return crawler.PageRecord{}, crawler.NewTimeoutError(task.URL, err)
		}
	}
	if err := f.conns.Acquire(ctx, 1); err != nil {
		return crawler.PageRecord{}, crawler.NewTimeoutError(task.URL, err)
	}
	defer f.conns.Release(1)

	var (
		result   crawler.PageRecord
		rejected error
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, task, start, &result, &rejected, &fetchErr)

	if err := f.runCollector(ctx, collector, task.URL); err != nil {
		// On cancellation the visit goroutine may still be running; its
		// captured state must not be read.
		if ctx.Err() != nil {
			return crawler.PageRecord{}, crawler.NewTimeoutError(task.URL, err)
		}
		if rejected != nil {
			return crawler.PageRecord{}, crawler.NewContentRejectedError(task.URL, rejected)
		}
		return crawler.PageRecord{}, classify(task.URL, err)
	}
	switch {
	case rejected != nil:
		return crawler.PageRecord{}, crawler.NewContentRejectedError(task.URL, rejected)
	case result.StatusCode >= http.StatusBadRequest:
		return crawler.PageRecord{}, crawler.NewHTTPError(task.URL, result.StatusCode)
	case fetchErr != nil:
		return crawler.PageRecord{}, classify(task.URL, fetchErr)
	case result.StatusCode == 0:
		return crawler.PageRecord{}, crawler.NewNetworkError(task.URL, errors.New("no response"))
	case result.ContentBytes > f.cfg.MaxBodyBytes:
		return crawler.PageRecord{}, crawler.NewContentRejectedError(task.URL, crawler.ErrBodyTooLarge)
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	task crawler.CrawlTask,
	start time.Time,
	result *crawler.PageRecord,
	rejected *error,
	fetchErr *error,
) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		if r.StatusCode >= http.StatusBadRequest {
			return
		}
		if err := f.checkHeaders(r.Headers); err != nil {
			*rejected = err
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		finalURL := task.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.PageRecord{
			URL:          task.URL,
			FinalURL:     finalURL,
			StatusCode:   r.StatusCode,
			ContentType:  headers.Get("Content-Type"),
			ContentBytes: int64(len(r.Body)),
			Body:         append([]byte(nil), r.Body...),
			Headers:      headers,
			Depth:        task.Depth,
			FetchedAt:    time.Now().UTC(),
			Duration:     time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

// checkHeaders rejects bodies by declared type or length before they are read.
func (f *Fetcher) checkHeaders(headers *http.Header) error {
	if headers == nil {
		return nil
	}
	if ct := headers.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return fmt.Errorf("%w: %q", crawler.ErrContentType, ct)
		}
		if _, ok := f.allowed[strings.ToLower(mediaType)]; !ok {
			return fmt.Errorf("%w: %s", crawler.ErrContentType, mediaType)
		}
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > f.cfg.MaxBodyBytes {
			return fmt.Errorf("%w: %d bytes", crawler.ErrBodyTooLarge, n)
		}
	}
	return nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(url string, err error) *crawler.FetchError {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return crawler.NewTimeoutError(url, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawler.NewTimeoutError(url, err)
	}
	return crawler.NewNetworkError(url, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
