package models

import "time"

// This file contains transport-layer response models for JSON output.

// TokenResult is the response payload for /v1/auth/refresh.
type TokenResult struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	ExpiresIn      int       `json:"expires_in"` // seconds until access token expiration
	TokenType      string    `json:"token_type"`
	SessionExpires time.Time `json:"session_expires_at"`
}

// NewTokenResult shapes a TokenPair for the wire relative to now.
func NewTokenResult(p *TokenPair, now time.Time) *TokenResult {
	return &TokenResult{
		AccessToken:    p.AccessToken,
		RefreshToken:   p.RefreshToken,
		ExpiresIn:      int(p.AccessExpiresAt.Sub(now).Seconds()),
		TokenType:      "Bearer",
		SessionExpires: p.AbsoluteExpiry.UTC(),
	}
}

// LogoutResult reports the outcome of a logout.
type LogoutResult struct {
	Revoked bool `json:"revoked"`
}

// ForceLogoutResult reports how many refresh credentials were revoked.
type ForceLogoutResult struct {
	SubjectID    string `json:"subject_id"`
	RevokedCount int    `json:"revoked_count"`
	AuditID      string `json:"audit_record_id"`
}
