package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the ledger.
type Metrics struct {
	Appends        *prometheus.CounterVec
	AppendDuration prometheus.Histogram
	Violations     *prometheus.CounterVec
	ChainBreaks    prometheus.Counter
}

// NewMetrics registers ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Appends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_audit_appends_total",
			Help: "Ledger records appended, by action and result",
		}, []string{"action", "result"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustlayer_audit_append_duration_seconds",
			Help:    "Time spent holding the chain lock per append call",
			Buckets: prometheus.DefBuckets,
		}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_audit_append_only_violations_total",
			Help: "Rejected attempts to mutate ledger records",
		}, []string{"operation"}),
		ChainBreaks: f.NewCounter(prometheus.CounterOpts{
			Name: "trustlayer_audit_chain_breaks_total",
			Help: "Chain verifications that found an inconsistent record",
		}),
	}
}

func (m *Metrics) observeAppend(action Action, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Appends.WithLabelValues(string(action), result).Inc()
	m.AppendDuration.Observe(seconds)
}

func (m *Metrics) incViolation(op string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(op).Inc()
}

func (m *Metrics) incChainBreak() {
	if m == nil {
		return
	}
	m.ChainBreaks.Inc()
}
