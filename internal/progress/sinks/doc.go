// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and a publisher that forwards run lifecycle and per-site progress
// notifications.
package sinks
