package models

import (
	"time"

	dErrors "trustlayer/pkg/domain-errors"
)

// RevocationReason records why a refresh credential stopped being usable.
type RevocationReason string

const (
	ReasonRotated       RevocationReason = "rotated"
	ReasonReuseDetected RevocationReason = "reuse_detected"
	ReasonLogout        RevocationReason = "logout"
	ReasonForceLogout   RevocationReason = "force_logout"
)

// RefreshTokenRecord is the persisted half of a refresh credential. The bearer
// token itself is never stored; records are keyed by the token's jti.
//
// Invariants:
//   - JTI and SubjectID are never empty
//   - AbsoluteExpiry is fixed at login and carried forward on every rotation
//   - once Revoked, a record never becomes usable again
//   - presenting a revoked record's token again is reuse
type RefreshTokenRecord struct {
	JTI            string
	SubjectID      string
	SessionStart   time.Time
	AbsoluteExpiry time.Time
	ExpiresAt      time.Time // rolling expiry of this particular token
	CreatedAt      time.Time
	Revoked        bool
	RevokedAt      *time.Time
	RevokedReason  RevocationReason
	ReplacedBy     string // jti of the rotated-in successor, if any
}

// NewRefreshTokenRecord constructs a RefreshTokenRecord with invariant checks.
func NewRefreshTokenRecord(jti, subjectID string, sessionStart, absoluteExpiry, expiresAt, createdAt time.Time) (*RefreshTokenRecord, error) {
	if jti == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "refresh token id cannot be empty")
	}
	if subjectID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject id cannot be empty")
	}
	if !absoluteExpiry.After(sessionStart) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "absolute expiry must be after session start")
	}
	if expiresAt.Before(createdAt) {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "refresh token expiry must be after creation")
	}
	return &RefreshTokenRecord{
		JTI:            jti,
		SubjectID:      subjectID,
		SessionStart:   sessionStart,
		AbsoluteExpiry: absoluteExpiry,
		ExpiresAt:      expiresAt,
		CreatedAt:      createdAt,
	}, nil
}

// IsExpired reports whether either the rolling expiry or the session ceiling
// has passed.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt) || now.After(r.AbsoluteExpiry)
}

// Revoke marks the record revoked. Returns false if it already was.
func (r *RefreshTokenRecord) Revoke(reason RevocationReason, at time.Time) bool {
	if r.Revoked {
		return false
	}
	r.Revoked = true
	r.RevokedAt = &at
	r.RevokedReason = reason
	return true
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *RefreshTokenRecord) Clone() *RefreshTokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.RevokedAt != nil {
		at := *r.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionStart     time.Time
	AbsoluteExpiry   time.Time
}
