// Package observability provides structured logging, Prometheus metrics,
// health checking, and graceful shutdown for the platform core.
package observability
