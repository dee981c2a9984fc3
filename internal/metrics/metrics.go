package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics instruments engine operations. A nil *LedgerMetrics or one
// built without a registerer is a no-op.
type LedgerMetrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	conflictRetries *prometheus.CounterVec
	sales           *prometheus.CounterVec
	movements       *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frankstein",
		Name:      "ledger_operations_total",
		Help:      "Ledger engine operations by outcome.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "frankstein",
		Name:      "ledger_operation_duration_seconds",
		Help:      "Latency of ledger engine operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	conflictRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frankstein",
		Name:      "ledger_conflict_retries_total",
		Help:      "Transactions retried after a persistence conflict.",
	}, []string{"operation"})
	sales := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frankstein",
		Name:      "sales_committed_total",
		Help:      "Committed sales by payment method.",
	}, []string{"payment_method"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frankstein",
		Name:      "stock_movements_total",
		Help:      "Stock movements appended by type.",
	}, []string{"type"})
	reg.MustRegister(operations, duration, conflictRetries, sales, movements)

	return &LedgerMetrics{
		operations:      operations,
		duration:        duration,
		conflictRetries: conflictRetries,
		sales:           sales,
		movements:       movements,
	}
}

// ObserveOperation records one finished call. outcome is an error kind or "ok".
func (m *LedgerMetrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(elapsed.Seconds())
}

func (m *LedgerMetrics) IncConflictRetry(operation string) {
	if m == nil || m.conflictRetries == nil {
		return
	}
	m.conflictRetries.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *LedgerMetrics) IncSale(paymentMethod string) {
	if m == nil || m.sales == nil {
		return
	}
	m.sales.WithLabelValues(normalizeLabel(paymentMethod)).Inc()
}

func (m *LedgerMetrics) AddMovements(movementType string, n int) {
	if m == nil || m.movements == nil || n <= 0 {
		return
	}
	m.movements.WithLabelValues(normalizeLabel(movementType)).Add(float64(n))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
