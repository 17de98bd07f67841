package crawler

import (
	"net/http"
	"time"
)

// CrawlTask is one unit of crawl work. It is created when a seed is submitted or
// a link is extracted and is handed to exactly one worker.
type CrawlTask struct {
	URL            string `json:"url"`
	Host           string `json:"host"`
	Depth          int    `json:"depth"`
	DiscoveredFrom string `json:"discovered_from,omitempty"`
}

// PageRecord is produced once per successful fetch and never mutated afterwards.
type PageRecord struct {
	URL           string        `json:"url"`
	FinalURL      string        `json:"final_url"`
	StatusCode    int           `json:"status_code"`
	ContentType   string        `json:"content_type"`
	ContentBytes  int64         `json:"content_bytes"`
	Body          []byte        `json:"-"`
	Title         string        `json:"title,omitempty"`
	ExtractedText string        `json:"-"`
	Outlinks      []string      `json:"outlinks,omitempty"`
	Headers       http.Header   `json:"headers,omitempty"`
	Depth         int           `json:"depth"`
	FetchedAt     time.Time     `json:"fetched_at"`
	Duration      time.Duration `json:"duration"`
	FromCache     bool          `json:"from_cache"`
	NoIndex       bool          `json:"no_index,omitempty"`
}

// RobotsUnreachablePolicy decides how a host is treated when its robots.txt
// cannot be retrieved.
type RobotsUnreachablePolicy string

// Supported unreachable policies.
const (
	RobotsUnreachableAllow RobotsUnreachablePolicy = "allow"
	RobotsUnreachableDeny  RobotsUnreachablePolicy = "deny"
)
