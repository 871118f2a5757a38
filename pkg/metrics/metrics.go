// Package metrics exposes the Prometheus metrics of the paged API client.
// All metrics are defined in their respective packages (throttle, pagination,
// cache, ratelimit, client) to maintain modularity and avoid circular dependencies.
//
// This package provides the exposition handler and a reference of all
// available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all metrics are registered with via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer Handler serves.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names lists every metric family the client packages register.
var Names = []string{
	"paged_throttle_waits_total",
	"paged_throttle_wait_seconds",
	"paged_throttle_store_errors_total",
	"paged_pages_fetched_total",
	"paged_page_fetch_errors_total",
	"paged_cache_hits_total",
	"paged_cache_misses_total",
	"paged_conditional_requests_total",
	"paged_304_responses_total",
	"paged_cache_errors_total",
	"paged_requests_total",
	"paged_request_duration_seconds",
	"paged_errors_total",
	"paged_retries_total",
	"paged_retry_backoff_seconds",
	"paged_retry_exhausted_total",
	"paged_ratelimit_remaining",
	"paged_ratelimit_exhausted_total",
}

// Metrics Documentation
//
// Throttle Metrics (pkg/throttle):
//   - paged_throttle_waits_total{category} (Counter): Requests delayed by the throttle
//   - paged_throttle_wait_seconds{category} (Histogram): Throttle wait before a request
//   - paged_throttle_store_errors_total{operation} (Counter): Shared state load/save failures
//
// Pagination Metrics (pkg/pagination):
//   - paged_pages_fetched_total (Counter): List pages fetched
//   - paged_page_fetch_errors_total (Counter): Failed list page fetches
//
// Cache Metrics (pkg/cache):
//   - paged_cache_hits_total (Counter): Cache hits
//   - paged_cache_misses_total (Counter): Cache misses
//   - paged_304_responses_total (Counter): 304 Not Modified responses
//   - paged_conditional_requests_total (Counter): Conditional requests sent with a validator
//   - paged_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - paged_requests_total{category, status} (Counter): Requests by throttle category and HTTP status
//   - paged_request_duration_seconds{category} (Histogram): Request duration including throttle wait
//   - paged_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - paged_retries_total{error_class} (Counter): Retry attempts by error class
//   - paged_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - paged_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - paged_ratelimit_remaining (Gauge): Requests left in the current window
//   - paged_ratelimit_exhausted_total (Counter): Responses reporting an exhausted window
//
// Example Prometheus Queries:
//
//   # Share of writes that had to wait
//   rate(paged_throttle_waits_total{category="write"}[5m]) /
//   sum(rate(paged_requests_total{category="write"}[5m]))
//
//   # Pages fetched per minute
//   rate(paged_pages_fetched_total[1m]) * 60
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(paged_request_duration_seconds_bucket[5m]))
//
//   # 304 Response Rate
//   rate(paged_304_responses_total[5m]) / sum(rate(paged_requests_total[5m]))
