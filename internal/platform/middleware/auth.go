package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// WebhookValidator defines the interface for validating registry webhook tokens.
type WebhookValidator interface {
	ValidateToken(tokenString string) (*WebhookClaims, error)
}

// WebhookClaims represents the claims we expect from the webhook validator.
type WebhookClaims struct {
	Platform string
	Issuer   string
	JTI      string
}

type contextKeyPlatform struct{}

// ContextKeyPlatform is exported for use in handlers and tests.
var ContextKeyPlatform = contextKeyPlatform{}

// GetPlatform retrieves the authenticated calling platform from the context.
func GetPlatform(ctx context.Context) string {
	platform, ok := ctx.Value(ContextKeyPlatform).(string)
	if !ok {
		return ""
	}
	return platform
}

// RequireWebhookAuth rejects requests without a valid bearer token. A nil
// validator disables the check.
func RequireWebhookAuth(validator WebhookValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized webhook - missing token",
					"request_id", requestID,
				)
				writeUnauthorized(ctx, w, logger, "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized webhook - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeUnauthorized(ctx, w, logger, "Invalid or expired token")
				return
			}

			ctx = context.WithValue(ctx, ContextKeyPlatform, claims.Platform)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, err := w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
	if err != nil {
		logger.ErrorContext(ctx, "failed to write unauthorized response",
			"error", err,
			"request_id", GetRequestID(ctx),
		)
	}
}
