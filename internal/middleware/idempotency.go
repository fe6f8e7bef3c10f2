package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/firesidehq/fireside-payments/internal/idempotency"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

type idempotencyKeyContextKey struct{}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey returns the key from the context, or "" if absent.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// idempotencyResponseWriter buffers the response body so a successful
// outcome can be stored and replayed for duplicate keys.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b)
	return n, err
}

// Unwrap exposes the underlying writer for context propagation through
// stacked wrappers.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeIdempotencyError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = SetErrorCode(ctx, code)
	UpdateResponseContext(w, ctx)

	body, err := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal idempotency error", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.ErrorContext(ctx, "failed to write idempotency error", "error", err)
	}
}

// rejectBadKey validates the header value and writes the 400 when it
// fails, reporting whether the request was rejected.
func rejectBadKey(w http.ResponseWriter, r *http.Request, key string) bool {
	if key == "" {
		writeIdempotencyError(w, r.Context(), http.StatusBadRequest,
			"missing_idempotency_key", "Idempotency-Key header is required for this request")
		return true
	}
	if err := idempotency.ValidateKey(key); err != nil {
		code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
		if errors.Is(err, idempotency.ErrKeyTooLong) {
			code = "idempotency_key_too_long"
			message = "Idempotency-Key exceeds maximum length of 64 characters"
		}
		writeIdempotencyError(w, r.Context(), http.StatusBadRequest, code, message)
		return true
	}
	return false
}

// Idempotency guards POSTs to the listed routes. A duplicate key replays
// the stored response instead of re-executing the handler. Only 2xx
// outcomes are stored, so a failed attempt can be retried with the same
// key.
//
// Intent issuance is the primary consumer: a client retrying a timed-out
// intent request must not create a second payment intent.
func Idempotency(repo idempotency.Repository, routes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !routes[r.URL.Path] || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if rejectBadKey(w, r, key) {
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(key)
			switch {
			case err == nil:
				slog.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key, "status", existing.ResponseStatusCode)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(existing.ResponseStatusCode)
				io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Store unavailable: run the handler without caching rather
				// than failing the payment path.
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			responseBody := capture.body.String()
			record := &idempotency.IdempotencyKey{
				Key:                key,
				Method:             r.Method,
				Route:              r.URL.Path,
				ResponseHash:       idempotency.ComputeResponseHash(responseBody),
				Status:             idempotency.StatusCompleted,
				ResponseBody:       responseBody,
				ResponseStatusCode: capture.statusCode,
			}
			if err := repo.Store(record); err != nil {
				// Response already sent; log and move on.
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
			}
		})
	}
}
