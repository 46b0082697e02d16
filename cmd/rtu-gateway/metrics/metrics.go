package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CollectionsTotal counts telemetry collections by class and outcome.
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtu_collections_total",
			Help: "Total number of telemetry collections",
		},
		[]string{"data_class", "outcome"},
	)

	// CacheHitsTotal counts telemetry cache hits and misses.
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtu_cache_requests_total",
			Help: "Total number of telemetry cache lookups",
		},
		[]string{"data_class", "result"},
	)

	// CollectionFailuresTotal counts classified device link failures.
	CollectionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtu_collection_failures_total",
			Help: "Total number of failed collections by error kind",
		},
		[]string{"error_kind"},
	)

	// RetriesTotal counts retry attempts by operation.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtu_retries_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// RetryChainsActive is the number of retry chains currently running.
	RetryChainsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtu_retry_chains_active",
			Help: "Number of currently active retry chains",
		},
	)

	// AlertsSuppressedTotal counts alert groups hidden by off-hours suppression.
	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtu_alerts_suppressed_total",
			Help: "Total number of alert groups suppressed outside business hours",
		},
	)

	// ControlCommandsTotal counts digital output commands by outcome.
	ControlCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtu_control_commands_total",
			Help: "Total number of digital output commands",
		},
		[]string{"outcome"},
	)
)
