package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func newTask(t *testing.T, raw string) crawler.CrawlTask {
	t.Helper()
	host, err := crawler.Host(raw)
	require.NoError(t, err)
	return crawler.CrawlTask{URL: raw, Host: host}
}

func fastRetry(maxRetries int) crawler.RetryPolicy {
	return crawler.NewExponentialRetryPolicy(maxRetries, time.Millisecond, 5*time.Millisecond)
}

type retryCounter struct{ n atomic.Int32 }

func (r *retryCounter) RecordRetry() { r.n.Add(1) }

func TestFetchSuccessFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "polite-test", r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><title>hi</title></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{UserAgent: "polite-test", Timeout: time.Second}, Deps{Logger: zap.NewNop()})
	page, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/old"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, srv.URL+"/old", page.URL)
	require.Equal(t, srv.URL+"/new", page.FinalURL)
	require.Contains(t, string(page.Body), "<title>hi</title>")
	require.EqualValues(t, len(page.Body), page.ContentBytes)
	require.Contains(t, page.ContentType, "text/html")
	require.False(t, page.FetchedAt.IsZero())
}

func TestFetchClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, Deps{Retry: fastRetry(3)})
	_, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/missing"))

	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindHTTP, fe.Kind)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
	require.EqualValues(t, 1, hits.Load(), "4xx must not be retried")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<p>ok</p>")
	}))
	defer srv.Close()

	retries := &retryCounter{}
	f := New(Config{Timeout: time.Second}, Deps{Retry: fastRetry(3), Retries: retries})
	page, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/flaky"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.EqualValues(t, 3, hits.Load())
	require.EqualValues(t, 2, retries.n.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, Deps{Retry: fastRetry(2)})
	_, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/down"))
	require.Equal(t, crawler.KindHTTP, crawler.KindOf(err))
	require.True(t, crawler.IsRetryable(err))
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchRejectsContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0, 1, 2, 3})
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, Deps{Retry: fastRetry(3)})
	_, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/blob"))
	require.Equal(t, crawler.KindContentRejected, crawler.KindOf(err))
	require.ErrorIs(t, err, crawler.ErrContentType)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/chunked" {
			// No Content-Length: the cap is enforced while reading.
			flusher, _ := w.(http.Flusher)
			for i := 0; i < 4; i++ {
				_, _ = w.Write([]byte(body[:1024]))
				if flusher != nil {
					flusher.Flush()
				}
			}
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, MaxBodyBytes: 1024}, Deps{})
	for _, path := range []string{"/sized", "/chunked"} {
		_, err := f.Fetch(context.Background(), newTask(t, srv.URL+path))
		require.Equal(t, crawler.KindContentRejected, crawler.KindOf(err), path)
		require.ErrorIs(t, err, crawler.ErrBodyTooLarge, path)
	}
}

type denyPolicy struct{}

func (denyPolicy) Allowed(context.Context, string) bool { return false }

func (denyPolicy) CrawlDelay(context.Context, string) time.Duration { return 0 }

func TestFetchRobotsDisallowedMakesNoRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, Deps{Robots: denyPolicy{}, Retry: fastRetry(3)})
	_, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/private/x"))
	require.Equal(t, crawler.KindRobotsDisallowed, crawler.KindOf(err))
	require.False(t, crawler.IsRetryable(err))
	require.Zero(t, hits.Load())
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 50 * time.Millisecond}, Deps{})
	_, err := f.Fetch(context.Background(), newTask(t, srv.URL+"/slow"))
	require.Equal(t, crawler.KindTimeout, crawler.KindOf(err))
}

func TestFetchNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, Deps{})
	_, err := f.Fetch(context.Background(), newTask(t, addr+"/gone"))
	require.Equal(t, crawler.KindNetwork, crawler.KindOf(err))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxBodyBytes: 10}, Deps{})
	task := crawler.CrawlTask{URL: "https://example.com/", Host: "example.com", Depth: 2}
	var (
		result   crawler.PageRecord
		rejected error
		fetchErr error
	)

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, task, time.Unix(0, 0), &result, &rejected, &fetchErr)
	require.NotNil(t, hooks.onHeaders)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onHeaders(&colly.Response{
		StatusCode: http.StatusOK,
		Headers:    &http.Header{"Content-Type": {"image/png"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/")},
	})
	require.ErrorIs(t, rejected, crawler.ErrContentType)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "https://example.com/final", result.FinalURL)
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))
	require.Equal(t, 2, result.Depth)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCheckHeaders(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxBodyBytes: 100, AllowedContentTypes: []string{"text/html"}}, Deps{})
	require.NoError(t, f.checkHeaders(&http.Header{"Content-Type": {"TEXT/HTML; charset=latin1"}}))
	require.NoError(t, f.checkHeaders(&http.Header{}))
	require.ErrorIs(t, f.checkHeaders(&http.Header{"Content-Type": {"text/plain"}}), crawler.ErrContentType)
	require.ErrorIs(t, f.checkHeaders(&http.Header{"Content-Length": {"101"}}), crawler.ErrBodyTooLarge)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onHeaders  colly.ResponseHeadersCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponseHeaders(cb colly.ResponseHeadersCallback) {
	s.onHeaders = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
