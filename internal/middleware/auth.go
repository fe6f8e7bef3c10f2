// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/firesidehq/fireside-payments/internal/auth"
)

// TokenValidator validates a bearer token and returns the scheduler claims.
// Satisfied by auth.SchedulerTokenService.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// SchedulerAuth guards the payout endpoints. It requires a valid scheduler
// bearer token and stores the job id in the request context for downstream
// handlers and the request log.
func SchedulerAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeAuthError(w, r, "missing bearer token")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token has expired"
				}
				writeAuthError(w, r, msg)
				return
			}

			ctx := SetSchedulerJob(r.Context(), claims.Subject)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes a 401 in the standard error envelope. The api
// package depends on middleware for context plumbing, so the envelope is
// produced inline here rather than importing it back.
func writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	ctx := SetErrorCode(r.Context(), "unauthorized")
	UpdateResponseContext(w, ctx)

	body := struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{}
	body.Error.Code = "unauthorized"
	body.Error.Message = message

	data, err := json.Marshal(body)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal auth error response", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write auth error response", "error", err)
	}
}
