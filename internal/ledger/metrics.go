package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the custody ledger.
type Metrics struct {
	// Operation outcomes by operation and result ("ok" or a failure kind)
	Operations *prometheus.CounterVec

	// Operation latency by operation
	Duration *prometheus.HistogramVec

	// Child items seeded by splits
	SplitChildren prometheus.Counter
}

// NewMetrics registers the ledger metrics with reg. A nil reg registers
// with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ledger_operations_total",
			Help: "Total ledger operations by operation and result",
		}, []string{"op", "result"}),

		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations including the store transaction",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"op"}),

		SplitChildren: factory.NewCounter(prometheus.CounterOpts{
			Name: "custody_ledger_split_children_total",
			Help: "Total child items seeded by splits",
		}),
	}
}

// ObserveOperation records the outcome and duration of one operation.
func (m *Metrics) ObserveOperation(op, result string, d time.Duration) {
	if m != nil {
		m.Operations.WithLabelValues(op, result).Inc()
		m.Duration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// AddSplitChildren records n children seeded by a split.
func (m *Metrics) AddSplitChildren(n int) {
	if m != nil {
		m.SplitChildren.Add(float64(n))
	}
}
