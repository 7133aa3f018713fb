package middleware

import (
	"context"
	"log/slog"
	"net/http"

	jwttoken "trustlayer/internal/jwt_token"
	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/httputil"
	"trustlayer/pkg/requestcontext"
)

// AccessAuthenticator verifies a bearer access token against the client
// metadata already on ctx.
type AccessAuthenticator interface {
	Authenticate(ctx context.Context, token string) (subjectID, jti string, err error)
}

// RequireAuth rejects requests without a valid access token and stores the
// authenticated subject on the request context. It must run after
// ClientMetadata so anomaly checks see the caller's IP and User-Agent.
func RequireAuth(authenticator AccessAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := jwttoken.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			subjectID, jti, err := authenticator.Authenticate(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, err)
				return
			}

			ctx = requestcontext.WithSubject(ctx, subjectID, jti)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
