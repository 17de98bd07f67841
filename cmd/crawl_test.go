package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/app"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

func useTestRegistry(t *testing.T) {
	t.Helper()
	orig := buildApp
	buildApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.Build(ctx, cfg, logger, app.WithRegisterer(prometheus.NewRegistry()))
	}
	t.Cleanup(func() { buildApp = orig })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCrawlCommandPrintsMetricsAndResults(t *testing.T) {
	useTestRegistry(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow:\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			fmt.Fprint(w, `<html><body><p>home page</p><a href="/risk">risk</a></body></html>`)
		case "/risk":
			fmt.Fprint(w, `<html><body><p>market risk and credit risk</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfgPath := writeConfig(t, `
crawler:
  workers: 2
  max_pages: 10
  delay_ms: 0
http:
  max_retries: 0
logging:
  level: error
`)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "crawl", srv.URL + "/", "--query", "risk", "--limit", "5"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	text := out.String()
	require.Contains(t, text, "pages processed")
	require.Contains(t, text, "result(s) for \"risk\"")
	require.Contains(t, text, srv.URL+"/risk")
}

func TestCrawlCommandRequiresSeeds(t *testing.T) {
	useTestRegistry(t)

	cfgPath := writeConfig(t, "logging:\n  level: error\n")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "crawl"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "no seed URLs")
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	cfgPath := writeConfig(t, "crawler:\n  workers: 0\n")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "crawl", "http://example.com/"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "load config")
}

func TestPrintSnapshot(t *testing.T) {
	var out bytes.Buffer
	snap := metrics.Snapshot{
		PagesProcessed:  1234,
		BytesDownloaded: 2048,
		Errors:          2,
		ErrorRate:       0.16,
		ErrorsByKind:    map[string]int64{"timeout": 1, "http": 1},
		Exclusions:      map[string]int64{"duplicate": 3},
		Elapsed:         "1m0s",
	}
	require.NoError(t, printSnapshot(&out, snap, 7))

	text := out.String()
	require.Contains(t, text, "1,234")
	require.Contains(t, text, "2.0 KiB")
	require.Contains(t, text, "error http")
	require.Contains(t, text, "excluded duplicate")
	require.Less(t, strings.Index(text, "error http"), strings.Index(text, "error timeout"))
}

func TestCrawlCommandTimeoutAbortsFetches(t *testing.T) {
	useTestRegistry(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfgPath := writeConfig(t, "crawler:\n  delay_ms: 0\nhttp:\n  max_retries: 0\nlogging:\n  level: error\n")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", cfgPath, "crawl", srv.URL + "/", "--timeout", "100ms"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "pages processed")
	require.Contains(t, out.String(), "error timeout")
}
