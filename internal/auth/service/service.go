package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks RefreshTokenStore,TokenIssuer,AuditAppender,AlertPublisher

import (
	"context"
	"log/slog"
	"time"

	"trustlayer/internal/audit"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/auth/metrics"
	"trustlayer/internal/auth/models"
	"trustlayer/internal/security/alerts"
)

const defaultStoreTimeout = 2 * time.Second

// RefreshTokenStore persists refresh credential records.
// Error Contract:
//   - FindByJTI, Rotate, Revoke return sentinel.ErrNotFound for unknown jtis
//   - Rotate and Revoke return sentinel.ErrAlreadyRevoked for revoked records
type RefreshTokenStore interface {
	Create(ctx context.Context, record *models.RefreshTokenRecord) error
	FindByJTI(ctx context.Context, jti string) (*models.RefreshTokenRecord, error)
	Rotate(ctx context.Context, oldJTI string, replacement *models.RefreshTokenRecord, now time.Time) error
	Revoke(ctx context.Context, jti string, reason models.RevocationReason, now time.Time) error
	RevokeAllForSubject(ctx context.Context, subjectID string, reason models.RevocationReason, now time.Time) (int, error)
}

// TokenIssuer signs and verifies credentials.
type TokenIssuer interface {
	GenerateAccessToken(ctx context.Context, subjectID string, sc *jwttoken.SessionContext) (string, *jwttoken.AccessTokenClaims, error)
	GenerateRefreshToken(ctx context.Context, subjectID string, sessionStart *time.Time) (string, *jwttoken.RefreshTokenClaims, error)
	ValidateRefreshToken(ctx context.Context, token string) (*jwttoken.RefreshTokenClaims, error)
	ParseRefreshTokenSkipClaimsValidation(token string) (*jwttoken.RefreshTokenClaims, error)
}

// AuditAppender is the ledger surface the service writes to.
type AuditAppender interface {
	Append(ctx context.Context, e audit.Entry) (*audit.Record, error)
}

// AlertPublisher raises security alerts without blocking.
type AlertPublisher interface {
	Publish(ctx context.Context, a alerts.Alert)
}

// Service owns the refresh credential lifecycle: issuance, rotation, reuse
// detection and revocation.
type Service struct {
	refresh      RefreshTokenStore
	tokens       TokenIssuer
	ledger       AuditAppender
	alerts       AlertPublisher
	logger       *slog.Logger
	metrics      *metrics.Metrics
	storeTimeout time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAlertPublisher(p AlertPublisher) Option {
	return func(s *Service) {
		s.alerts = p
	}
}

// WithStoreTimeout bounds each refresh store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func New(refresh RefreshTokenStore, tokens TokenIssuer, ledger AuditAppender, opts ...Option) *Service {
	svc := &Service{
		refresh:      refresh,
		tokens:       tokens,
		ledger:       ledger,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc
}
