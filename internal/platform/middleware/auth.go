package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"carenotes/internal/platform/metrics"
	"carenotes/internal/tenancy"
	dErrors "carenotes/pkg/domain-errors"
	"carenotes/pkg/platform/httputil"
	"carenotes/pkg/requestcontext"
)

// JWTValidator defines the interface for validating JWT tokens
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator
type JWTClaims struct {
	TenantID string
	UserID   string
	JTI      string
}

// RequireAuth validates the bearer token and binds the caller's
// tenancy.Context to the request. The correlation ID comes from
// X-Correlation-ID, falling back to the request ID.
func RequireAuth(validator JWTValidator, logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)
			reject := func(msg string, err error) {
				if m != nil {
					m.IncAuthFailure()
				}
				logger.WarnContext(ctx, "unauthorized access - "+msg,
					"error", err,
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing, invalid or expired token"))
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				reject("missing token", nil)
				return
			}
			claims, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				reject("invalid token", err)
				return
			}

			correlationID := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
			if correlationID == "" {
				correlationID = requestID
			}
			tc, err := tenancy.New(claims.TenantID, claims.UserID, correlationID)
			if err != nil {
				reject("invalid identity claims", err)
				return
			}
			ctx, err = requestcontext.WithTenancy(ctx, tc)
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			w.Header().Set(HeaderCorrelationID, tc.CorrelationID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
