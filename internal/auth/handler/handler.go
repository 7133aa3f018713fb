package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"trustlayer/internal/auth/models"
	jwttoken "trustlayer/internal/jwt_token"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/requestcontext"
)

// Service is the session lifecycle the handler exposes.
type Service interface {
	Refresh(ctx context.Context, refreshToken string, sc *jwttoken.SessionContext) (*models.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) (bool, error)
}

// DeviceCookie clears the device identity cookie.
type DeviceCookie interface {
	Clear(w http.ResponseWriter)
}

// Handler serves the refresh and logout endpoints.
type Handler struct {
	auth   Service
	device DeviceCookie
	logger *slog.Logger
}

func New(auth Service, device DeviceCookie, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{auth: auth, device: device, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/refresh", h.HandleRefresh)
	r.Post("/auth/logout", h.HandleLogout)
}

// HandleRefresh implements POST /auth/refresh.
//
// Input: { "refresh_token": "..." }
// Output: { "access_token": "...", "refresh_token": "...", "expires_in": 900, ... }
//
// A replayed refresh token revokes every session of its subject. The
// response is a 401 replay_detected and the device cookie is cleared.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndValidate[models.RefreshRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	pair, err := h.auth.Refresh(ctx, req.RefreshToken, sessionContext(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeReplayDetected) && h.device != nil {
			h.device.Clear(w)
		}
		h.logger.WarnContext(ctx, "refresh failed",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, models.NewTokenResult(pair, requestcontext.Now(ctx)))
}

// HandleLogout implements POST /auth/logout. It succeeds for unknown or
// already revoked tokens.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndValidate[models.LogoutRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	revoked, err := h.auth.Logout(ctx, req.RefreshToken)
	if err != nil {
		h.logger.WarnContext(ctx, "logout failed",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &models.LogoutResult{Revoked: revoked})
}

func sessionContext(ctx context.Context) *jwttoken.SessionContext {
	return &jwttoken.SessionContext{
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: requestcontext.UserAgent(ctx),
	}
}
