package service

import (
	"context"
	"errors"
	"time"

	"trustlayer/internal/audit"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/auth/models"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/requestcontext"
)

// StartSession issues the first credential pair of a new session and
// persists its refresh record.
func (s *Service) StartSession(ctx context.Context, subjectID string, sc *jwttoken.SessionContext) (*models.TokenPair, error) {
	pair, record, err := s.mint(ctx, subjectID, nil, sc)
	if err != nil {
		return nil, err
	}
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.refresh.Create(ctx, record)
	}); err != nil {
		return nil, translateStoreError(err, "failed to persist refresh token")
	}

	s.metrics.IncrementSessionsStarted()
	s.logger.InfoContext(ctx, "session started",
		"subject_id", subjectID,
		"jti", record.JTI,
		"request_id", requestcontext.RequestID(ctx),
	)
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The presented record is
// revoked and its replacement inserted in one store operation. Presenting
// an already revoked token is reuse: every session of the subject is
// revoked and the call fails with a replay error.
func (s *Service) Refresh(ctx context.Context, refreshToken string, sc *jwttoken.SessionContext) (*models.TokenPair, error) {
	start := time.Now()
	result := "error"
	defer func() {
		s.metrics.ObserveRefresh(result, float64(time.Since(start).Milliseconds()))
	}()

	claims, err := s.tokens.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		result = "rejected"
		s.authFailure(ctx, "invalid_refresh_token", "error", err)
		return nil, err
	}

	sessionStart := claims.SessionStartTime()
	pair, replacement, err := s.mint(ctx, claims.Subject, &sessionStart, sc)
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.refresh.Rotate(ctx, claims.ID, replacement, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrAlreadyRevoked):
		result = "reuse"
		if _, derr := s.DetectReuse(ctx, refreshToken); derr != nil {
			s.logger.ErrorContext(ctx, "reuse handling incomplete",
				"subject_id", claims.Subject,
				"jti", claims.ID,
				"error", derr,
			)
		}
		return nil, dErrors.New(dErrors.CodeReplayDetected, "refresh token reuse detected, all sessions revoked")
	case errors.Is(err, sentinel.ErrNotFound):
		result = "rejected"
		s.authFailure(ctx, "refresh_token_not_found", "subject_id", claims.Subject, "jti", claims.ID)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token")
	default:
		return nil, translateStoreError(err, "failed to rotate refresh token")
	}

	result = "rotated"
	s.metrics.AddTokensRevoked(string(models.ReasonRotated), 1)
	s.logger.InfoContext(ctx, "refresh token rotated",
		"subject_id", claims.Subject,
		"jti", claims.ID,
		"replaced_by", replacement.JTI,
		"request_id", requestcontext.RequestID(ctx),
	)
	return pair, nil
}

// Logout revokes the presented refresh token. Expired tokens may still be
// logged out. Unknown or already revoked tokens report false without error.
func (s *Service) Logout(ctx context.Context, refreshToken string) (bool, error) {
	claims, err := s.tokens.ParseRefreshTokenSkipClaimsValidation(refreshToken)
	if err != nil {
		return false, err
	}

	now := requestcontext.Now(ctx)
	err = s.withTimeout(ctx, func(ctx context.Context) error {
		return s.refresh.Revoke(ctx, claims.ID, models.ReasonLogout, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound), errors.Is(err, sentinel.ErrAlreadyRevoked):
		return false, nil
	default:
		return false, translateStoreError(err, "failed to revoke refresh token")
	}

	s.metrics.AddTokensRevoked(string(models.ReasonLogout), 1)
	s.logger.InfoContext(ctx, "logout",
		"subject_id", claims.Subject,
		"jti", claims.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return true, nil
}

// ForceLogout revokes every refresh token of subjectID on behalf of actorID.
// The FORCE_LOGOUT ledger entry is mandatory: when it cannot be written the
// call fails, and a retry revokes nothing new but still records the action.
func (s *Service) ForceLogout(ctx context.Context, actorID, subjectID, reason string) (*models.ForceLogoutResult, error) {
	if actorID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor is required")
	}
	if subjectID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id is required")
	}

	now := requestcontext.Now(ctx)
	var revoked int
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.refresh.RevokeAllForSubject(ctx, subjectID, models.ReasonForceLogout, now)
		return err
	})
	if err != nil {
		return nil, translateStoreError(err, "failed to revoke sessions")
	}
	s.metrics.AddTokensRevoked(string(models.ReasonForceLogout), revoked)

	metadata := map[string]any{"revoked_count": revoked}
	if reason != "" {
		metadata["reason"] = reason
	}
	rec, err := s.ledger.Append(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionForceLogout,
		EntityType: "subject",
		EntityID:   subjectID,
		IP:         requestcontext.ClientIP(ctx),
		UserAgent:  requestcontext.UserAgent(ctx),
		Metadata:   metadata,
	})
	if err != nil {
		s.metrics.IncrementAuditWriteFailures(string(audit.ActionForceLogout))
		s.logger.ErrorContext(ctx, "force logout not recorded in audit ledger",
			"actor_id", actorID,
			"subject_id", subjectID,
			"revoked_count", revoked,
			"error", err,
		)
		return nil, err
	}

	s.logger.InfoContext(ctx, "force logout",
		"actor_id", actorID,
		"subject_id", subjectID,
		"revoked_count", revoked,
		"audit_record_id", rec.ID.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	return &models.ForceLogoutResult{
		SubjectID:    subjectID,
		RevokedCount: revoked,
		AuditID:      rec.ID.String(),
	}, nil
}

// mint issues an access and refresh token and builds the refresh record.
// Nothing is persisted.
func (s *Service) mint(ctx context.Context, subjectID string, sessionStart *time.Time, sc *jwttoken.SessionContext) (*models.TokenPair, *models.RefreshTokenRecord, error) {
	access, accessClaims, err := s.tokens.GenerateAccessToken(ctx, subjectID, sc)
	if err != nil {
		return nil, nil, err
	}
	refresh, refreshClaims, err := s.tokens.GenerateRefreshToken(ctx, subjectID, sessionStart)
	if err != nil {
		return nil, nil, err
	}

	record, err := models.NewRefreshTokenRecord(
		refreshClaims.ID,
		subjectID,
		refreshClaims.SessionStartTime(),
		refreshClaims.AbsoluteExpiryTime(),
		refreshClaims.ExpiresAt.Time,
		refreshClaims.IssuedAt.Time,
	)
	if err != nil {
		return nil, nil, err
	}

	return &models.TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		SessionStart:     record.SessionStart,
		AbsoluteExpiry:   record.AbsoluteExpiry,
	}, record, nil
}

func (s *Service) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return fn(ctx)
}

// translateStoreError maps store failures to domain errors once, at the
// service boundary.
func translateStoreError(err error, msg string) error {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, msg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	case errors.Is(err, sentinel.ErrInvalidInput):
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
}
