package middleware

import (
	"log/slog"
	"net/http"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/requestcontext"
	"trustlayer/pkg/secrets"
)

const HeaderAdminToken = "X-Admin-Token"

// RequireAdminToken gates admin routes on a shared operator token. An empty
// expected token closes the routes entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			if expectedToken == "" || !secrets.Equal(token, expectedToken) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin token required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
