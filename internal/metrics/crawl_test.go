package metrics

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/clock/system"
)

func TestCrawlMetricsSnapshot(t *testing.T) {
	clk := system.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewCrawlMetrics(clk)

	m.RecordPageProcessed(1024)
	m.RecordPageProcessed(2048)
	m.RecordPageProcessed(1024)
	m.RecordDomain("a.test")
	m.RecordDomain("a.test")
	m.RecordDomain("b.test")
	m.RecordStatus(200)
	m.RecordStatus(200)
	m.RecordStatus(404)
	m.RecordError("robots_disallowed")
	m.RecordExclusion("duplicate")
	m.RecordExclusion("depth")
	m.RecordRetry()

	clk.Advance(2 * time.Minute)
	s := m.Snapshot()

	assert.EqualValues(t, 3, s.PagesProcessed)
	assert.EqualValues(t, 4096, s.BytesDownloaded)
	assert.EqualValues(t, 1, s.Errors)
	assert.EqualValues(t, 2, s.UniqueDomains)
	assert.EqualValues(t, 1, s.RobotsBlocked)
	assert.EqualValues(t, 1, s.DuplicatesSkipped)
	assert.EqualValues(t, 1, s.Retries)
	assert.Equal(t, map[string]int64{"200": 2, "404": 1}, s.StatusCodes)
	assert.Equal(t, map[string]int64{"a.test": 2, "b.test": 1}, s.Domains)
	assert.Equal(t, map[string]int64{"duplicate": 1, "depth": 1}, s.Exclusions)
	assert.InDelta(t, 1.5, s.PagesPerMinute, 1e-9)
	assert.InDelta(t, 4096.0/120, s.BytesPerSecond, 1e-9)
	assert.InDelta(t, 25.0, s.ErrorRate, 1e-9)
	assert.Equal(t, "4.00 KB", s.FormattedBytes)
	assert.Equal(t, "2m 0s", s.Elapsed)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pages_processed":3`)
}

func TestCrawlMetricsZeroElapsed(t *testing.T) {
	clk := system.NewManual(time.Unix(100, 0))
	m := NewCrawlMetrics(clk)
	s := m.Snapshot()
	require.Zero(t, s.PagesPerMinute)
	require.Zero(t, s.ErrorRate)
	require.Equal(t, "0 B", s.FormattedBytes)
	require.Equal(t, "0s", s.Elapsed)
}

func TestCrawlMetricsConcurrentUpdates(t *testing.T) {
	m := NewCrawlMetrics(nil)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.RecordPageProcessed(10)
				m.RecordDomain("shared.test")
				m.RecordStatus(200)
				_ = m.Snapshot()
			}
		}()
	}
	wg.Wait()
	s := m.Snapshot()
	require.EqualValues(t, 1600, s.PagesProcessed)
	require.EqualValues(t, 16000, s.BytesDownloaded)
	require.EqualValues(t, 1, s.UniqueDomains)
	require.EqualValues(t, 1600, s.Domains["shared.test"])
}

func TestCrawlMetricsMirrorsPrometheus(t *testing.T) {
	m := NewCrawlMetrics(nil)
	before := testutil.ToFloat64(crawlerErrorsTotal.WithLabelValues("timeout"))
	m.RecordError("timeout")
	require.Equal(t, before+1, testutil.ToFloat64(crawlerErrorsTotal.WithLabelValues("timeout")))
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:                      "0 B",
		1023:                   "1023 B",
		1536:                   "1.50 KB",
		5 * 1024 * 1024:        "5.00 MB",
		3 * 1024 * 1024 * 1024: "3.00 GB",
	}
	for in, want := range tests {
		require.Equal(t, want, FormatBytes(in))
	}
}

func TestFormatElapsed(t *testing.T) {
	require.Equal(t, "59s", FormatElapsed(59*time.Second))
	require.Equal(t, "1m 5s", FormatElapsed(65*time.Second))
	require.Equal(t, "2h 3m 4s", FormatElapsed(2*time.Hour+3*time.Minute+4*time.Second))
}
