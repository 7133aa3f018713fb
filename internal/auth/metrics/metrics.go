package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the session lifecycle. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted             prometheus.Counter
	TokenRefreshes              *prometheus.CounterVec
	TokenRefreshDurationMs      prometheus.Histogram
	AuthFailures                *prometheus.CounterVec
	SessionAnomalies            *prometheus.CounterVec
	RefreshTokenReuseDetections prometheus.Counter
	TokensRevoked               *prometheus.CounterVec
	AuditWriteFailures          *prometheus.CounterVec
	CleanupDeleted              *prometheus.CounterVec
}

// New registers auth collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "trustlayer_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		TokenRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_token_refreshes_total",
			Help: "Refresh attempts by result",
		}, []string{"result"}),
		TokenRefreshDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustlayer_token_refresh_duration_ms",
			Help:    "Latency of refresh token rotation in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_auth_failures_total",
			Help: "Authentication failures by reason",
		}, []string{"reason"}),
		SessionAnomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_session_anomalies_total",
			Help: "Access tokens presented from a different context than issued",
		}, []string{"kind"}),
		RefreshTokenReuseDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "trustlayer_refresh_token_reuse_detections_total",
			Help: "Revoked refresh tokens presented again",
		}),
		TokensRevoked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_refresh_tokens_revoked_total",
			Help: "Refresh tokens revoked by reason",
		}, []string{"reason"}),
		AuditWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_auth_audit_write_failures_total",
			Help: "Ledger appends from the auth service that failed",
		}, []string{"action"}),
		CleanupDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_cleanup_deleted_total",
			Help: "Expired artifacts removed by the cleanup worker",
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncrementSessionsStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

func (m *Metrics) ObserveRefresh(result string, durationMs float64) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
	m.TokenRefreshDurationMs.Observe(durationMs)
}

func (m *Metrics) IncrementAuthFailures(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementSessionAnomaly(kind string) {
	if m == nil {
		return
	}
	m.SessionAnomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementRefreshTokenReuseDetections() {
	if m == nil {
		return
	}
	m.RefreshTokenReuseDetections.Inc()
}

func (m *Metrics) AddTokensRevoked(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRevoked.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) IncrementAuditWriteFailures(action string) {
	if m == nil {
		return
	}
	m.AuditWriteFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) AddCleanupDeleted(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CleanupDeleted.WithLabelValues(kind).Add(float64(n))
}
