package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookups that found a usable entry.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paged_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses counts lookups without a usable entry.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paged_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// ConditionalRequests counts requests sent with a cached validator.
	ConditionalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paged_conditional_requests_total",
			Help: "Total number of conditional requests sent",
		},
	)

	// NotModifiedResponses counts 304 answers replayed from the cache.
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paged_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)

	// CacheErrors counts Redis failures by operation.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paged_cache_errors_total",
			Help: "Total number of response cache errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
