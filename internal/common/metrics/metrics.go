// Package metrics exposes Prometheus instrumentation for the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallbacksTotal counts gateway result callbacks by intent kind and
	// reconciliation outcome (settled, failed, duplicate, unmatched, error).
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_callbacks_total",
		Help: "Gateway result callbacks processed",
	}, []string{"kind", "outcome"})

	// CommissionsApplied counts commission applications (one per booking).
	CommissionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commissions_applied_total",
		Help: "Commissions applied to bookings",
	})

	// ReconcileDuration observes the time spent inside the reconciliation
	// transaction, which bounds booking row lock hold time.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_reconcile_duration_seconds",
		Help:    "Reconciliation transaction latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})
)

// Outcome labels for CallbacksTotal.
const (
	OutcomeSettled   = "settled"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
	OutcomeError     = "error"
)
