// Package metrics provides the centralized Prometheus registry for the
// harvester. All metrics are defined in their respective packages (ratelimit,
// client, cache, progress, sink, harvest) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Limiter Metrics (pkg/ratelimit):
//   - harvester_limiter_rate (Gauge): Currently configured rate in requests per second
//   - harvester_limiter_grants_total (Counter): Request slots granted
//   - harvester_limiter_errors_total (Counter): Failure signals reported to the limiter
//   - harvester_limiter_wait_seconds (Histogram): Time spent waiting for a slot
//
// Request Metrics (pkg/client):
//   - harvester_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - harvester_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - harvester_errors_total{class} (Counter): Errors by class (client, server, rate_limited, transport)
//   - harvester_pool_replacements_total (Counter): HTTP connection pool replacements
//
// Retry Metrics (pkg/client):
//   - harvester_retries_total{error_class} (Counter): Retry attempts by error class
//   - harvester_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - harvester_retry_exhausted_total{error_class} (Counter): Requests that exhausted the retry budget
//
// Cache Metrics (pkg/cache):
//   - harvester_cache_hits_total{tier} (Counter): Page cache hits by tier (memory, redis)
//   - harvester_cache_misses_total (Counter): Page cache misses
//   - harvester_cache_errors_total{operation} (Counter): Cache operation errors
//
// Durability Metrics (pkg/progress, pkg/sink):
//   - harvester_progress_commits_total (Counter): Committed progress writes
//   - harvester_sink_rows_total (Counter): Rows appended to the result file
//   - harvester_sink_schema_rewrites_total (Counter): Full-file rewrites from schema growth
//
// Crawl Metrics (pkg/harvest):
//   - harvester_pages_committed_total (Counter): Pages durably committed
//   - harvester_items_collected_total (Counter): Items appended to the result sink
//   - harvester_worker_cooldowns_total (Counter): Cooldown sleeps after consecutive no-result outcomes
//   - harvester_workers_finished_total{status} (Counter): Workers finished by status (done, cancelled, aborted)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(harvester_cache_hits_total[5m])) /
//   (sum(rate(harvester_cache_hits_total[5m])) + sum(rate(harvester_cache_misses_total[5m])))
//
//   # Effective Crawl Throughput (items/s)
//   rate(harvester_items_collected_total[5m])
//
//   # Request Error Rate by Class
//   rate(harvester_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
//
//   # Limiter Pressure (how far below the cap the remote is holding us)
//   harvester_limiter_rate
