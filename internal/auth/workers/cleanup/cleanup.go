// Package cleanup sweeps expired refresh records and idempotency entries on
// a fixed interval.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RefreshTokenStore exposes cleanup for refresh records past their rolling
// expiry or session ceiling.
type RefreshTokenStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// IdempotencyStore exposes cleanup for cached responses and abandoned
// in-flight markers. Stores that expire keys natively do not need one.
type IdempotencyStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Metrics receives deletion counts per kind.
type Metrics interface {
	AddCleanupDeleted(kind string, n int)
}

// Result summarizes the deletions performed by a cleanup run.
type Result struct {
	DeletedRefreshTokens      int
	DeletedIdempotencyEntries int
}

// Service periodically removes expired trust-layer state.
type Service struct {
	refreshTokens RefreshTokenStore
	idempotency   IdempotencyStore
	metrics       Metrics
	interval      time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Service)

// WithInterval overrides the cleanup interval when greater than zero.
func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIdempotencyStore adds an idempotency store to the sweep.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(s *Service) {
		s.idempotency = store
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(refreshTokens RefreshTokenStore, opts ...Option) (*Service, error) {
	if refreshTokens == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	svc := &Service{
		refreshTokens: refreshTokens,
		interval:      5 * time.Minute,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// Start runs cleanup periodically until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "trust state cleanup failed", "error", err)
				continue
			}
			if res.DeletedRefreshTokens+res.DeletedIdempotencyEntries > 0 {
				s.logger.InfoContext(ctx, "trust state cleanup",
					"refresh_tokens", res.DeletedRefreshTokens,
					"idempotency_entries", res.DeletedIdempotencyEntries,
				)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce performs a single sweep. A failure in one store does not stop the
// others; errors are joined.
func (s *Service) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var res Result
	var errs []error

	n, err := s.refreshTokens.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete expired refresh tokens: %w", err))
	} else {
		res.DeletedRefreshTokens = n
		s.record("refresh_token", n)
	}

	if s.idempotency != nil {
		n, err := s.idempotency.DeleteExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired idempotency entries: %w", err))
		} else {
			res.DeletedIdempotencyEntries = n
			s.record("idempotency", n)
		}
	}

	return res, errors.Join(errs...)
}

func (s *Service) record(kind string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.AddCleanupDeleted(kind, n)
	}
}
