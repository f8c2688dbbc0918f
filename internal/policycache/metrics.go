package policycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptgate_policy_cache_hits_total",
		Help: "Policy reads served from the cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptgate_policy_cache_misses_total",
		Help: "Policy reads that fell through to the store.",
	})
	cacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptgate_policy_cache_errors_total",
		Help: "Cache operations that failed and degraded to direct store access.",
	})
)
