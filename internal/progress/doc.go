// Package progress carries crawl run and fetch events from engine workers to
// pluggable sinks. Emit never blocks a worker: events are buffered, batched on
// a background goroutine, and dropped with a rate-limited warning under
// backpressure.
package progress
