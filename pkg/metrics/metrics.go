// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "walletmigrate"
)

// Gate decision labels.
const (
	DecisionForward = "forward"
	DecisionReject  = "reject"
	DecisionError   = "error"

	SourceCache = "cache"
	SourceStore = "store"
)

// Migration outcome labels.
const (
	OutcomeStarted           = "started"
	OutcomeResumed           = "resumed"
	OutcomeAlreadyInProgress = "already_in_progress"
	OutcomeAlreadyFinished   = "already_finished"
	OutcomeFinished          = "finished"
	OutcomeFailed            = "failed"
	OutcomeHalted            = "halted"
)

var (
	// GateDecisions counts request gate decisions
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of request gate decisions",
		},
		[]string{"decision", "source"}, // decision: forward/reject/error, source: cache/store
	)

	// PollersActive tracks running convergence pollers
	PollersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pollers_active",
			Help:      "Number of running convergence pollers",
		},
	)

	// StuckMigrations tracks wallets whose migration exceeded the stuck threshold
	StuckMigrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_migrations",
			Help:      "Number of observed migrations in progress longer than the stuck threshold",
		},
	)

	// MigrationsTotal counts migration worker outcomes
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of migration attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ConversionDuration measures conversion routine latency
	ConversionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Wallet conversion latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// CacheEntries tracks local status cache size
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of wallets in the local status cache",
		},
		[]string{"status"}, // pending/completed
	)
)
