// Package alerts fans security events out to operators. Publishing never
// blocks or fails the request that raised the alert.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Type string

const (
	TypeRefreshTokenReuse Type = "refresh_token_reuse"
	TypeSessionAnomaly    Type = "session_anomaly"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one security event.
type Alert struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Severity   Severity       `json:"severity"`
	SubjectID  string         `json:"subject_id"`
	TokenID    string         `json:"token_id,omitempty"`
	IP         string         `json:"ip,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	Device     string         `json:"device,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher delivers alerts. Implementations must return promptly.
type Publisher interface {
	Publish(ctx context.Context, a Alert)
}

// normalize fills the id and timestamp when the caller left them empty.
func normalize(a Alert) Alert {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	return a
}

// LogPublisher writes alerts to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, a Alert) {
	a = normalize(a)
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "security alert",
		"alert_id", a.ID,
		"alert_type", string(a.Type),
		"severity", string(a.Severity),
		"subject_id", a.SubjectID,
		"jti", a.TokenID,
		"ip", a.IP,
		"device_id", a.DeviceID,
		"device", a.Device,
		"request_id", a.RequestID,
	)
}

// Fanout publishes every alert to each of its publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, a Alert) {
	a = normalize(a)
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, a)
		}
	}
}

// Metrics counts alerts by type and delivery result.
type Metrics struct {
	Published *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Published: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "trustlayer_security_alerts_total",
			Help: "Security alerts raised, by type and delivery result",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) inc(t Type, result string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(string(t), result).Inc()
}
