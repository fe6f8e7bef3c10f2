package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type schedulerJobKey struct{}
type errorCodeKey struct{}

// SetSchedulerJob records the authenticated scheduler job id on the
// context. The scheduler auth middleware calls this after validating the
// token.
func SetSchedulerJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, schedulerJobKey{}, jobID)
}

// GetSchedulerJob returns the scheduler job id, or "" if absent.
func GetSchedulerJob(ctx context.Context) string {
	jobID, _ := ctx.Value(schedulerJobKey{}).(string)
	return jobID
}

// SetErrorCode records the machine-readable error code a handler is
// about to return, so the access log can carry it.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code, or "" if absent.
func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

// responseWriter captures status, response size, and a handler-updated
// context on behalf of the access log.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader records the first status; later calls are dropped the same
// way net/http drops them.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap exposes the underlying writer for context propagation through
// stacked wrappers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) setContext(ctx context.Context) {
	rw.ctx = ctx
}

// contextSetter is implemented by response writer wrappers that can carry
// a handler-updated context back to the logging middleware.
type contextSetter interface {
	setContext(ctx context.Context)
}

type unwrapper interface {
	Unwrap() http.ResponseWriter
}

// UpdateResponseContext pushes an updated context (typically carrying an
// error code) back through the wrapped response writers to the logging
// middleware, so codes set deep inside a handler still reach the log.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if setter, ok := w.(contextSetter); ok {
			setter.setContext(ctx)
			return
		}
		next, ok := w.(unwrapper)
		if !ok {
			return
		}
		w = next.Unwrap()
	}
}

// NewLogger builds the service logger: JSON to stdout in production,
// text at debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// logLevel maps a response status to the access log level.
func logLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Logging writes one structured access log line per request: method,
// path, status, latency_ms, size, plus request_id, scheduler_job, and
// error_code when present. 4xx responses log at WARN and 5xx at ERROR.
//
// A panicking handler skips the log line; put the recovery middleware
// outside this one if that matters.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}

			// Prefer the handler-updated context if one was pushed back.
			ctx := r.Context()
			if rw.ctx != nil {
				ctx = rw.ctx
			}
			if requestID := GetRequestID(ctx); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if jobID := GetSchedulerJob(ctx); jobID != "" {
				attrs = append(attrs, slog.String("scheduler_job", jobID))
			}
			if rw.statusCode >= 400 {
				if errorCode := GetErrorCode(ctx); errorCode != "" {
					attrs = append(attrs, slog.String("error_code", errorCode))
				}
			}

			logger.LogAttrs(r.Context(), logLevel(rw.statusCode), "request completed", attrs...)
		})
	}
}
