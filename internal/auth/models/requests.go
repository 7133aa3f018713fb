package models

// RefreshRequest exchanges a refresh token for a new credential pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,jwt,max=4096"`
}

// LogoutRequest revokes the presented refresh token.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,jwt,max=4096"`
}

// ForceLogoutRequest carries the operator's justification for the ledger.
type ForceLogoutRequest struct {
	Reason string `json:"reason" validate:"notblank,max=500"`
}
