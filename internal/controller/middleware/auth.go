// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"batchrunner/internal/auth"
	"batchrunner/internal/logger"
)

type tokenKey struct{}

// RequireToken rejects requests that do not carry "Authorization: Bearer <secret>".
// On success the token hash is stored in the request context for rate limiting.
func RequireToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if !auth.TokenMatches(token, secret) {
				http.Error(w, "Invalid authorization token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), tokenKey{}, auth.HashKey(token))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromContext returns the hash of the bearer token accepted by RequireToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey{}).(string)
	return token, ok
}

// RequestID tags each request with the caller's X-Request-ID, or a new one,
// and echoes it back on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}
