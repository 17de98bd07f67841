// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - Engine: internal/engine runs a fixed worker pool sized by crawler.workers. Workers take tasks from the
//     frontier, fetch them through the Colly fetcher, parse links with goquery, submit outlinks one level deeper
//     and hand the page text to the TF-IDF indexer.
//   - Frontier: internal/frontier deduplicates normalized URLs, applies scope rules (allowed/blocked domains,
//     depth, extensions, page cap) and hands out at most one task per host at a time, spaced by the politeness
//     delay or the host's robots.txt Crawl-delay, whichever is larger.
//   - Persistence: fetched pages go through a write-behind buffer to the configured stores (memory, sqlite,
//     postgres, redis, blob). Storage failures are counted and never stall the workers.
//   - Progress: lifecycle events are batched by the progress Hub and sent to the log, Prometheus and Pub/Sub sinks.
//   - HTTP API: internal/api exposes /healthz, /readyz, /status, /metrics, /prometheus and /search while the crawl
//     runs and after it drains.
//
// Quick checklist:
//   - Configure env vars: CRAWLER_SERVER_PORT or PORT, CRAWLER_CRAWLER_SEEDS, CRAWLER_CRAWLER_WORKERS,
//     CRAWLER_CRAWLER_MAX_PAGES, CRAWLER_CRAWLER_DELAY_MS, storage (CRAWLER_STORAGE_*) and pubsub settings.
//   - Run locally: go run ./cmd/webcrawler -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stops the crawl, waits for in-flight fetches and flushes buffered page writes.
package main
