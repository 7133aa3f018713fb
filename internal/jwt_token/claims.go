package jwttoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionContext is the client context a credential is bound to at issuance
// and compared against at verification.
type SessionContext struct {
	IP        string
	UserAgent string
}

// ContextClaim is embedded in access tokens. UA holds a prefix of a keyed
// hash of the user agent, never the raw string.
type ContextClaim struct {
	IP string `json:"ip,omitempty"`
	UA string `json:"ua,omitempty"`
}

// AccessTokenClaims represents the JWT claims for access tokens.
type AccessTokenClaims struct {
	Context ContextClaim `json:"ctx"`
	jwt.RegisteredClaims
}

// RefreshTokenClaims represents the JWT claims for refresh tokens. ExpiresAt
// is the rolling expiry; AbsoluteExpiry is the session ceiling it can never
// extend past.
type RefreshTokenClaims struct {
	SessionStart   *jwt.NumericDate `json:"session_start"`
	AbsoluteExpiry *jwt.NumericDate `json:"absolute_expiry"`
	jwt.RegisteredClaims
}

// SessionStartTime returns the session start, or the zero time when absent.
func (c *RefreshTokenClaims) SessionStartTime() time.Time {
	if c.SessionStart == nil {
		return time.Time{}
	}
	return c.SessionStart.Time
}

// AbsoluteExpiryTime returns the absolute ceiling, or the zero time when absent.
func (c *RefreshTokenClaims) AbsoluteExpiryTime() time.Time {
	if c.AbsoluteExpiry == nil {
		return time.Time{}
	}
	return c.AbsoluteExpiry.Time
}

// Anomaly describes a mismatch between an access token's embedded context
// and the request presenting it.
type Anomaly struct {
	SubjectID  string
	TokenID    string
	TokenIP    string
	RequestIP  string
	IPMismatch bool
	UAMismatch bool
	UserAgent  string
	DeviceID   string
}
