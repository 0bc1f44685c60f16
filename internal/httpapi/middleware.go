package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	userIDKey    contextKey = "userId"
	legacyKey    contextKey = "legacy"
)

// RequestIDMiddleware assigns a UUID to every request, echoes it in
// X-Request-ID, stamps the API version header, and threads a request logger
// through the context so every log line carries the id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-API-Version", apiVersion)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		logger := log.With().Str("requestId", requestID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID retrieves the request id from context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// legacyMiddleware marks requests routed through the unversioned /api
// aliases so responders emit the flat legacy shape.
func legacyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), legacyKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isLegacy(r *http.Request) bool {
	v, _ := r.Context().Value(legacyKey).(bool)
	return v
}

// accessVerifier validates a bearer access token and returns the user id.
type accessVerifier interface {
	VerifyAccess(tokenString string) (string, error)
}

// AuthMiddleware requires a valid bearer access token and stores the caller
// id in the request context.
func AuthMiddleware(tokens accessVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				respondError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}
			userID, err := tokens.VerifyAccess(raw)
			if err != nil {
				respondError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			logger := log.Ctx(ctx).With().Str("userId", userID).Logger()
			ctx = logger.WithContext(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID retrieves the authenticated caller id from context.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
