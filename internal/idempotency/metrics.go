package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the guard.
type Metrics struct {
	Decisions   *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
	Waits       prometheus.Histogram
	LostLeases  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_idempotency_decisions_total",
			Help: "Guard decisions by outcome",
		}, []string{"outcome"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_idempotency_store_errors_total",
			Help: "Store failures that degraded the guard, by operation",
		}, []string{"operation"}),
		Waits: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustlayer_idempotency_wait_seconds",
			Help:    "Time duplicates spent waiting on an in-flight request",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		LostLeases: f.NewCounter(prometheus.CounterOpts{
			Name: "trustlayer_idempotency_lost_leases_total",
			Help: "Completions rejected because the in-flight lease had expired",
		}),
	}
}

func (m *Metrics) decision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) waited(seconds float64) {
	if m == nil {
		return
	}
	m.Waits.Observe(seconds)
}

func (m *Metrics) lostLease() {
	if m == nil {
		return
	}
	m.LostLeases.Inc()
}
