package refreshtoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trustlayer/internal/auth/models"
	"trustlayer/pkg/platform/sentinel"
)

// Error Contract:
// - sentinel.ErrNotFound when the jti was never stored or has been purged
// - sentinel.ErrAlreadyRevoked when Rotate finds the presented record revoked
// - sentinel.ErrConflict when a jti is inserted twice
//
// The in-memory store is for tests and single-instance development; it
// returns copies so callers never share mutable records.
type InMemoryRefreshTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*models.RefreshTokenRecord
}

func New() *InMemoryRefreshTokenStore {
	return &InMemoryRefreshTokenStore{tokens: make(map[string]*models.RefreshTokenRecord)}
}

func (s *InMemoryRefreshTokenStore) Create(_ context.Context, record *models.RefreshTokenRecord) error {
	if record == nil {
		return fmt.Errorf("refresh token is required: %w", sentinel.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[record.JTI]; exists {
		return fmt.Errorf("refresh token %s: %w", record.JTI, sentinel.ErrConflict)
	}
	s.tokens[record.JTI] = record.Clone()
	return nil
}

func (s *InMemoryRefreshTokenStore) FindByJTI(_ context.Context, jti string) (*models.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tokens[jti]; ok {
		return t.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

// Rotate revokes oldJTI (reason rotated) and inserts replacement as one step.
// Exactly one of several concurrent rotations of the same record succeeds.
func (s *InMemoryRefreshTokenStore) Rotate(_ context.Context, oldJTI string, replacement *models.RefreshTokenRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldJTI]
	if !ok {
		return sentinel.ErrNotFound
	}
	if old.Revoked {
		return sentinel.ErrAlreadyRevoked
	}
	if _, exists := s.tokens[replacement.JTI]; exists {
		return fmt.Errorf("refresh token %s: %w", replacement.JTI, sentinel.ErrConflict)
	}

	old.Revoke(models.ReasonRotated, now)
	old.ReplacedBy = replacement.JTI
	s.tokens[replacement.JTI] = replacement.Clone()
	return nil
}

// Revoke marks a single record revoked. Revoking a revoked record returns
// sentinel.ErrAlreadyRevoked and changes nothing.
func (s *InMemoryRefreshTokenStore) Revoke(_ context.Context, jti string, reason models.RevocationReason, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[jti]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !rec.Revoke(reason, now) {
		return sentinel.ErrAlreadyRevoked
	}
	return nil
}

// RevokeAllForSubject revokes every unrevoked record owned by subjectID.
func (s *InMemoryRefreshTokenStore) RevokeAllForSubject(_ context.Context, subjectID string, reason models.RevocationReason, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.tokens {
		if rec.SubjectID == subjectID && rec.Revoke(reason, now) {
			count++
		}
	}
	return count, nil
}

// DeleteExpired purges records whose rolling expiry or session ceiling has
// passed.
func (s *InMemoryRefreshTokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, rec := range s.tokens {
		if rec.IsExpired(now) {
			delete(s.tokens, key)
			deleted++
		}
	}
	return deleted, nil
}
