package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const robotsBodyLimit = 1 << 20

// RobotsConfig controls robots.txt enforcement. Client, when set, replaces the
// default HTTP client built from Timeout.
type RobotsConfig struct {
	Respect     bool
	UserAgent   string
	Unreachable RobotsUnreachablePolicy
	Timeout     time.Duration
	Client      *http.Client
}

type robotsEntry struct {
	data        *robotstxt.RobotsData
	unreachable bool
}

// RobotsEnforcer enforces robots.txt directives per host. Each host's file is
// fetched at most once per run; concurrent first lookups share one request.
type RobotsEnforcer struct {
	client      *http.Client
	cache       sync.Map
	group       singleflight.Group
	userAgent   string
	unreachable RobotsUnreachablePolicy
	logger      *zap.Logger
}

// NewRobotsEnforcer builds a RobotsPolicy respecting the config toggle.
func NewRobotsEnforcer(cfg RobotsConfig, logger *zap.Logger) RobotsPolicy {
	if !cfg.Respect {
		return allowAllPolicy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	unreachable := cfg.Unreachable
	if unreachable != RobotsUnreachableDeny {
		unreachable = RobotsUnreachableAllow
	}
	return &RobotsEnforcer{
		client:      client,
		userAgent:   cfg.UserAgent,
		unreachable: unreachable,
		logger:      logger.Named("robots"),
	}
}

// Allowed implements RobotsPolicy.
func (r *RobotsEnforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	entry := r.load(ctx, parsed)
	if entry.unreachable {
		return r.unreachable == RobotsUnreachableAllow
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

// CrawlDelay returns the Crawl-delay directive for the URL's host, or zero.
func (r *RobotsEnforcer) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}
	entry := r.load(ctx, parsed)
	if entry.unreachable {
		return 0
	}
	group := entry.data.FindGroup(r.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (r *RobotsEnforcer) load(ctx context.Context, parsed *url.URL) robotsEntry {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := r.cache.Load(hostKey); ok {
		if entry, ok := cached.(robotsEntry); ok {
			return entry
		}
	}
	v, _, _ := r.group.Do(hostKey, func() (any, error) {
		if cached, ok := r.cache.Load(hostKey); ok {
			return cached, nil
		}
		data, err := r.fetch(ctx, parsed)
		entry := robotsEntry{data: data}
		if err != nil && ctx.Err() != nil {
			// The caller gave up; the host's robots.txt is still unknown.
			return robotsEntry{unreachable: true}, nil
		}
		if err != nil {
			r.logger.Warn("robots fetch failed",
				zap.String("host", parsed.Host),
				zap.String("policy", string(r.unreachable)),
				zap.Error(err))
			entry = robotsEntry{unreachable: true}
		}
		r.cache.Store(hostKey, entry)
		return entry, nil
	})
	entry, ok := v.(robotsEntry)
	if !ok {
		return robotsEntry{unreachable: true}
	}
	return entry
}

func (r *RobotsEnforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

type allowAllPolicy struct{}

func (allowAllPolicy) Allowed(context.Context, string) bool { return true }

func (allowAllPolicy) CrawlDelay(context.Context, string) time.Duration { return 0 }
