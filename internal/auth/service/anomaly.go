package service

import (
	"context"

	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/auth/device"
	"trustlayer/internal/auth/metrics"
	"trustlayer/internal/security/alerts"
	"trustlayer/pkg/requestcontext"
)

// AnomalyReporter turns session anomalies seen during access token
// verification into metrics and security alerts. It never fails the
// request.
type AnomalyReporter struct {
	alerts  AlertPublisher
	metrics *metrics.Metrics
}

var _ jwttoken.AnomalyObserver = (*AnomalyReporter)(nil)

func NewAnomalyReporter(publisher AlertPublisher, m *metrics.Metrics) *AnomalyReporter {
	return &AnomalyReporter{alerts: publisher, metrics: m}
}

func (r *AnomalyReporter) SessionAnomaly(ctx context.Context, a jwttoken.Anomaly) {
	kind := anomalyKind(a)
	label := device.ParseUserAgent(a.UserAgent)
	r.metrics.IncrementSessionAnomaly(kind)
	if r.alerts == nil {
		return
	}
	r.alerts.Publish(ctx, alerts.Alert{
		Type:      alerts.TypeSessionAnomaly,
		Severity:  alerts.SeverityWarning,
		SubjectID: a.SubjectID,
		TokenID:   a.TokenID,
		IP:        a.RequestIP,
		DeviceID:  a.DeviceID,
		Device:    label,
		RequestID: requestcontext.RequestID(ctx),
		Detail: map[string]any{
			"kind":        kind,
			"ip_mismatch": a.IPMismatch,
			"ua_mismatch": a.UAMismatch,
		},
	})
}

func anomalyKind(a jwttoken.Anomaly) string {
	switch {
	case a.IPMismatch && a.UAMismatch:
		return "ip_and_user_agent"
	case a.IPMismatch:
		return "ip"
	default:
		return "user_agent"
	}
}
