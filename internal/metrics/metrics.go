// Package metrics exposes Prometheus instrumentation for claim transactions
// and read-view refreshes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transaction outcomes
const (
	OutcomeCommitted  = "committed"
	OutcomeRejected   = "rejected"    // failed pre-validation, nothing installed
	OutcomeRolledBack = "rolled_back" // backend refused, speculative state undone
	OutcomeAbandoned  = "abandoned"   // caller cancelled before commit
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_transactions_total",
		Help: "Claim transactions by resource kind and outcome",
	}, []string{"kind", "outcome"})

	transactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "claim_transaction_duration_seconds",
		Help:    "Time from claim intent to settled outcome",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"kind"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_rollbacks_total",
		Help: "Rolled back claim transactions by error code",
	}, []string{"code"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claim_transactions_in_flight",
		Help: "Claim transactions currently between pre-validation and settlement",
	})

	statusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claim_status_updates_total",
		Help: "Claim status updates by target status and result",
	}, []string{"status", "result"})

	viewRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "view_refreshes_total",
		Help: "Read-view refetches by view family and result",
	}, []string{"view", "result"})

	viewInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "view_invalidations_total",
		Help: "Read-views marked stale by view family",
	}, []string{"view"})
)

// ObserveTransaction records a settled claim transaction.
func ObserveTransaction(kind, outcome string, d time.Duration) {
	transactionsTotal.WithLabelValues(kind, outcome).Inc()
	transactionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRollback records a rollback with its normalized error code.
func RecordRollback(code string) {
	rollbacksTotal.WithLabelValues(code).Inc()
}

// TransactionStarted increments the in-flight gauge and returns its decrement.
func TransactionStarted() func() {
	inFlight.Inc()
	return inFlight.Dec
}

// RecordStatusUpdate records a status update attempt.
func RecordStatusUpdate(status string, ok bool) {
	statusUpdatesTotal.WithLabelValues(status, result(ok)).Inc()
}

// RecordRefresh records a view refetch.
func RecordRefresh(view string, ok bool) {
	viewRefreshesTotal.WithLabelValues(view, result(ok)).Inc()
}

// RecordInvalidation records a view being marked stale.
func RecordInvalidation(view string) {
	viewInvalidationsTotal.WithLabelValues(view).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
