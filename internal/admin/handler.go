// Package admin serves operator endpoints: forced logout and audit chain
// verification. Routes expect authentication, the admin token check and,
// for writes, the idempotency guard to be applied by the router.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"trustlayer/internal/audit"
	"trustlayer/internal/auth/models"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/requestcontext"
)

// SessionRevoker ends every session of a subject.
type SessionRevoker interface {
	ForceLogout(ctx context.Context, actorID, subjectID, reason string) (*models.ForceLogoutResult, error)
}

// ChainVerifier checks the audit ledger's hash chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, from, to uuid.UUID) (audit.VerifyResult, error)
}

type Handler struct {
	sessions SessionRevoker
	ledger   ChainVerifier
	logger   *slog.Logger
}

func New(sessions SessionRevoker, ledger ChainVerifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, ledger: ledger, logger: logger}
}

// RegisterWrites mounts mutating routes.
func (h *Handler) RegisterWrites(r chi.Router) {
	r.Post("/admin/subjects/{subjectID}/force-logout", h.HandleForceLogout)
}

// RegisterReads mounts read-only routes.
func (h *Handler) RegisterReads(r chi.Router) {
	r.Get("/admin/audit/verify", h.HandleVerifyChain)
}

// HandleForceLogout implements POST /admin/subjects/{subjectID}/force-logout.
//
// Input: { "reason": "..." }
// Output: { "subject_id": "...", "revoked_count": 2, "audit_record_id": "..." }
func (h *Handler) HandleForceLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	subjectID := strings.TrimSpace(chi.URLParam(r, "subjectID"))
	if subjectID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "subject id is required"))
		return
	}
	req, ok := httputil.DecodeAndValidate[models.ForceLogoutRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actorID, _ := requestcontext.Subject(ctx)
	res, err := h.sessions.ForceLogout(ctx, actorID, subjectID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.logger.ErrorContext(ctx, "force logout failed",
			"error", err,
			"subject_id", subjectID,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// HandleVerifyChain implements GET /admin/audit/verify?from=&to=. Both
// bounds are optional record ids.
func (h *Handler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	from, err := optionalUUID(r.URL.Query().Get("from"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "from must be a valid uuid"))
		return
	}
	to, err := optionalUUID(r.URL.Query().Get("to"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "to must be a valid uuid"))
		return
	}

	result, err := h.ledger.VerifyChain(ctx, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit chain verification failed",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func optionalUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}
