// Package observability provides structured logging and Prometheus metrics
// for the auth gateway.
//
// This package implements:
//   - zap logger construction from level/format settings
//   - authentication counters on a dedicated registry
//   - the /metrics HTTP handler
package observability
