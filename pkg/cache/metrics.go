package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for page cache operations.
var (
	// CacheHits counts cache hits by tier (memory, redis).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_cache_hits_total",
		Help: "Total page cache hits by tier",
	}, []string{"tier"})

	// CacheMisses counts cache misses.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_cache_misses_total",
		Help: "Total page cache misses",
	})

	// CacheErrors counts cache operation errors by operation.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_cache_errors_total",
		Help: "Total page cache operation errors",
	}, []string{"operation"})
)
