package service

import (
	"context"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/device"
	"trustlayer/internal/security/alerts"
	"trustlayer/pkg/requestcontext"
)

func (s *Service) authFailure(ctx context.Context, reason string, attributes ...any) {
	s.metrics.IncrementAuthFailures(reason)
	args := append([]any{"reason", reason, "request_id", requestcontext.RequestID(ctx)}, attributes...)
	s.logger.WarnContext(ctx, "auth failure", args...)
}

// publishAlert fills request context fields the caller left empty.
func (s *Service) publishAlert(ctx context.Context, a alerts.Alert) {
	if s.alerts == nil {
		return
	}
	if a.IP == "" {
		a.IP = requestcontext.ClientIP(ctx)
	}
	if a.DeviceID == "" {
		a.DeviceID = requestcontext.DeviceID(ctx)
	}
	if a.Device == "" {
		a.Device = device.ParseUserAgent(requestcontext.UserAgent(ctx))
	}
	if a.RequestID == "" {
		a.RequestID = requestcontext.RequestID(ctx)
	}
	s.alerts.Publish(ctx, a)
}

// recordBestEffort appends e and only logs when the ledger rejects it.
func (s *Service) recordBestEffort(ctx context.Context, e audit.Entry) {
	if _, err := s.ledger.Append(ctx, e); err != nil {
		s.metrics.IncrementAuditWriteFailures(string(e.Action))
		s.logger.WarnContext(ctx, "best-effort audit entry dropped",
			"action", string(e.Action),
			"entity_id", e.EntityID,
			"error", err,
		)
	}
}
