// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ctxkeeper"

var (
	// ContextTokens is the latest token count per session.
	ContextTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "context_tokens",
		Help:      "Tokens consumed by the session event log",
	}, []string{"session"})

	// ContextUsage is the latest used percentage per session.
	ContextUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "context_usage_percent",
		Help:      "Used percentage of the context window",
	}, []string{"session"})

	// ThresholdEvents counts level transitions.
	ThresholdEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threshold_events_total",
		Help:      "Context usage level transitions",
	}, []string{"level"})

	// Compactions counts emergency compactions by outcome.
	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emergency_compactions_total",
		Help:      "Emergency compactions run by the monitor",
	}, []string{"outcome"})

	// PruneReduction observes achieved reduction ratios.
	PruneReduction = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "prune_reduction_ratio",
		Help:      "Token reduction achieved by a prune",
		Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1},
	}, []string{"mode"})

	// ArchiveOps counts archive store operations.
	ArchiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_operations_total",
		Help:      "Archive, restore and cleanup operations",
	}, []string{"op", "result"})

	// RestoreDuration observes restore latency.
	RestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "restore_duration_seconds",
		Help:      "Time to restore an archived context",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// HealthScore is the latest overall health score per session.
	HealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "health_score",
		Help:      "Overall context health score",
	}, []string{"session"})

	// MaintenanceRuns counts scheduled maintenance cycles.
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "maintenance_runs_total",
		Help:      "Maintenance cycles by outcome",
	}, []string{"outcome"})

	// TokenCounts counts token measurements by source.
	TokenCounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_counts_total",
		Help:      "Token measurements by source",
	}, []string{"source"})
)

// ForgetSession drops per-session series once monitoring stops.
func ForgetSession(session string) {
	ContextTokens.DeleteLabelValues(session)
	ContextUsage.DeleteLabelValues(session)
	HealthScore.DeleteLabelValues(session)
}
