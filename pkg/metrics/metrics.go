// Package metrics provides the centralized Prometheus metrics registry
// for the PID client. All metrics are defined in their respective
// packages (registry, crawl, cache) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the PID client.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/registry):
//   - pid_requests_total{endpoint, status} (Counter): Requests by endpoint (record, page) and HTTP status
//   - pid_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - pid_errors_total{class} (Counter): Errors by class (credential, config, auth, not_found, transient, parse)
//
// Retry Metrics (pkg/registry):
//   - pid_retries_total{error_class} (Counter): Retry attempts by error class
//   - pid_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - pid_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Crawl Metrics (pkg/crawl):
//   - pid_pages_fetched_total (Counter): Pages fetched across all crawls
//   - pid_handles_downloaded_total (Counter): Identifiers delivered to the sink
//   - pid_crawl_resumes_total (Counter): Crawls resumed from an existing checkpoint
//
// Cache Metrics (pkg/cache):
//   - pid_cache_hits_total (Counter): Record cache hits
//   - pid_cache_misses_total (Counter): Record cache misses
//   - pid_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Crawl throughput (handles per second)
//   rate(pid_handles_downloaded_total[15m])
//
//   # Error rate by class
//   rate(pid_errors_total[5m])
//
//   # P95 page latency
//   histogram_quantile(0.95, rate(pid_request_duration_seconds_bucket{endpoint="page"}[15m]))
//
//   # Cache hit rate
//   rate(pid_cache_hits_total[5m]) /
//   (rate(pid_cache_hits_total[5m]) + rate(pid_cache_misses_total[5m]))
