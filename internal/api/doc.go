// Package api hosts the HTTP server, middleware, and handlers for operator
// access to a running crawl. Notable routes:
//   - GET /health, /healthz and /readyz for liveness and readiness probes.
//   - GET /status for run state, metrics and frontier size.
//   - GET /metrics for the raw crawl metrics snapshot as JSON.
//   - GET /prometheus for Prometheus scraping.
//   - GET /search?q=&limit= for ranked full-text queries over crawled pages.
package api
