package service

import (
	"context"
	"errors"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/models"
	"trustlayer/internal/security/alerts"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/requestcontext"
)

// DetectReuse reports whether token belongs to a revoked refresh record.
// Only the signature is checked, so expired tokens are still recognised.
// On reuse it raises a security alert, revokes every remaining refresh
// token of the subject and records REFRESH_TOKEN_REUSE in the ledger on a
// best-effort basis.
func (s *Service) DetectReuse(ctx context.Context, token string) (bool, error) {
	claims, err := s.tokens.ParseRefreshTokenSkipClaimsValidation(token)
	if err != nil {
		return false, err
	}

	var record *models.RefreshTokenRecord
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		record, err = s.refresh.FindByJTI(ctx, claims.ID)
		return err
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translateStoreError(err, "failed to look up refresh token")
	}
	if !record.Revoked {
		return false, nil
	}

	s.metrics.IncrementRefreshTokenReuseDetections()
	s.logger.ErrorContext(ctx, "refresh token reuse detected",
		"subject_id", record.SubjectID,
		"jti", record.JTI,
		"revoked_reason", string(record.RevokedReason),
		"ip", requestcontext.ClientIP(ctx),
		"device_id", requestcontext.DeviceID(ctx),
		"request_id", requestcontext.RequestID(ctx),
	)
	s.publishAlert(ctx, alerts.Alert{
		Type:      alerts.TypeRefreshTokenReuse,
		Severity:  alerts.SeverityCritical,
		SubjectID: record.SubjectID,
		TokenID:   record.JTI,
		Detail:    map[string]any{"revoked_reason": string(record.RevokedReason)},
	})

	now := requestcontext.Now(ctx)
	var revoked int
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.refresh.RevokeAllForSubject(ctx, record.SubjectID, models.ReasonReuseDetected, now)
		return err
	})
	if err != nil {
		return true, translateStoreError(err, "failed to revoke sessions after reuse")
	}
	s.metrics.AddTokensRevoked(string(models.ReasonReuseDetected), revoked)

	s.recordBestEffort(ctx, audit.Entry{
		ActorID:    record.SubjectID,
		Action:     audit.ActionRefreshTokenReuse,
		EntityType: "refresh_token",
		EntityID:   record.JTI,
		IP:         requestcontext.ClientIP(ctx),
		UserAgent:  requestcontext.UserAgent(ctx),
		Metadata: map[string]any{
			"revoked_reason": string(record.RevokedReason),
			"revoked_count":  revoked,
		},
	})
	return true, nil
}
