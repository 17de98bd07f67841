package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/parser"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// Error kinds recorded outside the fetch path.
const (
	kindIndexing     = "indexing"
	kindMalformedURL = "malformed_url"
	kindStorage      = "storage"
)

var tracer = otel.Tracer("github.com/JakeFAU/polite-crawler/internal/engine")

func (e *Engine) work(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker", id))
	for {
		task, err := e.frontier.Take(ctx)
		if err != nil {
			if !errors.Is(err, frontier.ErrClosed) && ctx.Err() == nil {
				logger.Warn("take failed", zap.Error(err))
			}
			return
		}
		if e.frontier.Closed() {
			// Stop raced with Take: hand the task back without fetching.
			e.frontier.Finish(task)
			return
		}
		if !e.process(ctx, logger, task) {
			return
		}
	}
}

// process handles one task end to end. It returns false when the worker must
// exit because the task panicked.
func (e *Engine) process(ctx context.Context, logger *zap.Logger, task crawler.CrawlTask) (ok bool) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer e.frontier.Finish(task)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic",
				zap.String("url", task.URL),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			e.failed.Store(true)
			e.requestStop(ReasonInvariant)
			ok = false
		}
	}()

	ctx, span := tracer.Start(ctx, "crawl.page", trace.WithAttributes(
		attribute.String("url", task.URL),
		attribute.String("host", task.Host),
		attribute.Int("depth", task.Depth)))
	defer span.End()

	e.applyCrawlDelay(ctx, task)

	page, err := e.fetcher.Fetch(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(crawler.KindOf(err)))
		e.handleFetchError(logger, task, err)
		return true
	}
	span.SetAttributes(attribute.Int("http.status_code", page.StatusCode))
	e.frontier.MarkFetched(task.Host)
	e.handlePage(ctx, logger, task, page)
	return true
}

// applyCrawlDelay raises the host's politeness delay to its robots
// Crawl-delay the first time the host is seen.
func (e *Engine) applyCrawlDelay(ctx context.Context, task crawler.CrawlTask) {
	if e.robots == nil {
		return
	}
	if _, seen := e.hosts.LoadOrStore(task.Host, struct{}{}); seen {
		return
	}
	if d := e.robots.CrawlDelay(ctx, task.URL); d > 0 {
		e.frontier.SetHostDelay(task.Host, d)
		e.logger.Debug("crawl delay applied", zap.String("host", task.Host), zap.Duration("delay", d))
	}
}

func (e *Engine) handleFetchError(logger *zap.Logger, task crawler.CrawlTask, err error) {
	if crawler.IsRetryable(err) {
		e.frontier.MarkFailed(task.Host)
	} else {
		e.frontier.MarkFetched(task.Host)
	}

	kind := crawler.KindOf(err)
	if kind == "" {
		kind = crawler.KindNetwork
	}
	e.metrics.RecordError(string(kind))
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.StatusCode > 0 {
		e.metrics.RecordStatus(fe.StatusCode)
	}
	e.emit(progress.Event{
		Stage:       progress.StageFetchError,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		StatusClass: progress.ClassifyStatus(statusOf(fe)),
		Kind:        string(kind),
	})

	fields := []zap.Field{
		zap.String("url", task.URL),
		zap.String("kind", string(kind)),
		zap.Int("depth", task.Depth),
		zap.Error(err),
	}
	if kind == crawler.KindRobotsDisallowed {
		logger.Debug("fetch skipped", fields...)
		return
	}
	logger.Warn("fetch failed", fields...)
}

func (e *Engine) handlePage(ctx context.Context, logger *zap.Logger, task crawler.CrawlTask, page crawler.PageRecord) {
	e.metrics.RecordPageProcessed(page.ContentBytes)
	e.metrics.RecordDomain(task.Host)
	e.metrics.RecordStatus(page.StatusCode)
	metrics.ObserveCrawl(task.URL, page.StatusCode, page.ContentBytes)

	base := page.FinalURL
	if base == "" {
		base = task.URL
	}
	doc, err := parser.Parse(base, page.ContentType, page.Body)
	if err != nil {
		e.metrics.RecordError(kindIndexing)
		logger.Warn("parse failed", zap.String("url", task.URL), zap.Error(err))
	} else {
		page.Title = doc.Title
		page.ExtractedText = doc.Text
		page.Outlinks = doc.Links
		page.NoIndex = doc.NoIndex
		e.submitOutlinks(logger, task, doc.Links)
	}

	if err == nil && !page.NoIndex {
		if ierr := e.indexer.Index(page); ierr != nil {
			e.metrics.RecordError(kindIndexing)
			logger.Warn("index failed", zap.String("url", task.URL), zap.Error(ierr))
		}
		metrics.SetIndexDocuments(e.indexer.Documents())
	}

	if e.store != nil {
		if serr := e.store.SavePage(ctx, page); serr != nil {
			e.metrics.RecordError(kindStorage)
			logger.Warn("store page failed", zap.String("url", task.URL), zap.Error(serr))
		}
	}

	e.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		Bytes:       page.ContentBytes,
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         page.Duration,
	})
	metrics.SetFrontierSize(e.frontier.Size())
	logger.Debug("page processed",
		zap.String("url", task.URL),
		zap.Int("status", page.StatusCode),
		zap.Int("outlinks", len(page.Outlinks)),
		zap.Int("depth", task.Depth))

	if e.cfg.MaxPages > 0 && e.metrics.PagesProcessed() >= e.cfg.MaxPages {
		e.requestStop(ReasonMaxPages)
	}
}

func (e *Engine) submitOutlinks(logger *zap.Logger, task crawler.CrawlTask, links []string) {
	for _, link := range links {
		if _, err := e.frontier.Submit(link, task.Depth+1, task.URL); err != nil {
			e.metrics.RecordError(kindMalformedURL)
			logger.Debug("outlink rejected", zap.String("link", link), zap.Error(fmt.Errorf("from %s: %w", task.URL, err)))
		}
	}
}

func statusOf(fe *crawler.FetchError) int {
	if fe == nil {
		return 0
	}
	return fe.StatusCode
}
