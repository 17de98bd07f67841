// Package cmd defines and implements the CLI commands for the polite-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/indexer"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/telemetry"
)

type crawlOptions struct {
	query   string
	limit   int
	timeout time.Duration
}

// newCrawlCmd creates and configures the 'crawl' subcommand. It runs one crawl
// to completion, prints the run metrics and optionally answers a query.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Crawl from seed URLs until the frontier drains",
		Long: `Crawls from the given seed URLs (or crawler.seeds from the config file)
until no work remains, the page cap is reached, the timeout expires or the
process is interrupted. An interrupt lets in-flight fetches finish; --timeout
aborts them. The metrics snapshot is printed at the end; with
--query the index is searched and ranked results are printed too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "search the index after the crawl")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "maximum number of search results")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop the crawl after this long (0 means no limit)")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string, opts *crawlOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	cfg := rt.cfg
	if len(args) > 0 {
		cfg.Crawler.Seeds = args
	}
	if len(cfg.Crawler.Seeds) == 0 {
		return errors.New("no seed URLs: pass them as arguments or set crawler.seeds")
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The engine's context is cancelled only by --timeout or by an abort after
	// the stop grace period; a signal stops the crawl cooperatively.
	runCtx, abort := context.WithCancel(context.WithoutCancel(cmd.Context()))
	defer abort()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.timeout)
		defer cancel()
	}

	tp, err := telemetry.InitTracerProvider(runCtx, telemetry.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	a, err := buildApp(runCtx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			rt.logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	if err := a.Engine.Start(runCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	// The engine stops itself on drain, page cap or --timeout.
	select {
	case <-a.Engine.Done():
	case <-sigCtx.Done():
		rt.logger.Info("signal received; waiting for in-flight fetches",
			zap.Duration("grace", cfg.StopGrace()))
		if err := a.StopEngine(cfg.StopGrace(), abort); err != nil {
			return fmt.Errorf("stop crawl: %w", err)
		}
	}
	rt.logger.Info("crawl finished", zap.String("reason", a.Engine.StopReason()))

	out := cmd.OutOrStdout()
	if err := printSnapshot(out, a.Engine.Metrics(), a.Engine.FrontierSize()); err != nil {
		return err
	}
	if opts.query != "" {
		return printResults(out, opts.query, a.Engine.Search(opts.query, opts.limit))
	}
	return nil
}

func printSnapshot(w io.Writer, snap metrics.Snapshot, frontierSize int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"pages processed", humanize.Comma(snap.PagesProcessed)},
		{"bytes downloaded", humanize.IBytes(uint64(max(snap.BytesDownloaded, 0)))},
		{"unique domains", humanize.Comma(snap.UniqueDomains)},
		{"errors", fmt.Sprintf("%s (%.1f%%)", humanize.Comma(snap.Errors), snap.ErrorRate)},
		{"robots blocked", humanize.Comma(snap.RobotsBlocked)},
		{"duplicates skipped", humanize.Comma(snap.DuplicatesSkipped)},
		{"retries", humanize.Comma(snap.Retries)},
		{"frontier remaining", humanize.Comma(int64(frontierSize))},
		{"elapsed", snap.Elapsed},
		{"pages per minute", humanize.FormatFloat("#,###.##", snap.PagesPerMinute)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
	}
	for _, kind := range sortedKeys(snap.ErrorsByKind) {
		fmt.Fprintf(tw, "  error %s\t%s\n", kind, humanize.Comma(snap.ErrorsByKind[kind]))
	}
	for _, reason := range sortedKeys(snap.Exclusions) {
		fmt.Fprintf(tw, "  excluded %s\t%s\n", reason, humanize.Comma(snap.Exclusions[reason]))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func printResults(w io.Writer, query string, results []indexer.Result) error {
	if _, err := fmt.Fprintf(w, "\n%d result(s) for %q\n", len(results), query); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	for i, r := range results {
		if _, err := fmt.Fprintf(w, "%2d. %.4f  %s\n", i+1, r.Score, r.URL); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
