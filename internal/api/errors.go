package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/firesidehq/fireside-payments/internal/middleware"
)

// Error codes carried in every error body and in the access log's
// error_code field.
const (
	ErrCodeValidation          = "validation_error"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeNotFound            = "not_found"
	ErrCodeNotConfigured       = "not_configured"
	ErrCodePaymentNotSucceeded = "payment_not_succeeded"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeInternal            = "internal_error"
)

// ErrorResponse is the envelope for every API error:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the standard error envelope with the given status.
// Callers that want the code in the access log set it on the context with
// middleware.SetErrorCode and pass that context here; WriteError pushes
// it back through the middleware chain.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

var statusByCode = map[string]int{
	ErrCodeValidation:          http.StatusBadRequest,
	ErrCodeBadRequest:          http.StatusBadRequest,
	ErrCodeUnauthorized:        http.StatusUnauthorized,
	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodePaymentNotSucceeded: http.StatusConflict,
	ErrCodeRateLimited:         http.StatusTooManyRequests,
	ErrCodeNotConfigured:       http.StatusInternalServerError,
	ErrCodeInternal:            http.StatusInternalServerError,
}

// StatusCodeMapping maps an error code to its HTTP status. Unknown codes
// fall back to 500.
func StatusCodeMapping(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
