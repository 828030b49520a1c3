// Package metrics registers the Prometheus metrics used by the gateway core.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission and cache counters and histograms.
var (
	// AdmissionDecisions counts admission checks labelled by outcome
	// ("allowed", "quota_exceeded", "key_expired", "key_not_found",
	// "store_unavailable").
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecore_admission_decisions_total",
			Help: "Total admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// TokensCommitted counts tokens committed to quota accounting per model.
	TokensCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecore_tokens_committed_total",
			Help: "Total tokens committed to rolling-window quota accounting.",
		},
		[]string{"model"},
	)

	// CacheLookups counts response-cache lookups labelled by result
	// ("hit", "miss", "expired", "bypass").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecore_cache_lookups_total",
			Help: "Total response cache lookups by result.",
		},
		[]string{"result"},
	)

	// CacheEvictions counts entries evicted from the response cache.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecore_cache_evictions_total",
			Help: "Total response cache entries evicted by the LRU policy.",
		},
	)

	// CacheEntries tracks the current number of live response cache entries.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatecore_cache_entries",
			Help: "Current number of response cache entries.",
		},
	)

	// CacheBytes tracks the cumulative serialized size of cached bodies and
	// headers, for memory-pressure dashboards.
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatecore_cache_bytes",
			Help: "Serialized size of response cache contents in bytes.",
		},
	)

	// LookupDuration observes cache lookup latency in seconds. The budget for
	// the whole admission path is single-digit milliseconds, hence the tight
	// buckets.
	LookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatecore_cache_lookup_duration_seconds",
			Help:    "Response cache lookup duration in seconds.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		},
	)

	// KeyCacheLookups counts key-record cache lookups by result ("hit", "miss").
	KeyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecore_key_cache_lookups_total",
			Help: "Total key record cache lookups by result.",
		},
		[]string{"result"},
	)

	// EventsDropped counts lifecycle events that could not be delivered to an
	// observer (the observer is pruned).
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecore_events_dropped_total",
			Help: "Total lifecycle events dropped due to observer failures.",
		},
	)
)
