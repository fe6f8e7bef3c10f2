package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// knownRoutes are the service's fixed paths, reported verbatim as metric
// labels.
var knownRoutes = map[string]struct{}{
	"/":                 {},
	"/payments/intent":  {},
	"/payments/verify":  {},
	"/payments/onboard": {},
	"/payments/status":  {},
	"/payouts/release":  {},
	"/payouts/ledger":   {},
	"/internal/stripe":  {},
	"/health":           {},
	"/ready":            {},
	"/metrics":          {},
}

// normalizePath maps a request path to a bounded label set. Anything under
// /payments/ or /payouts/ that is not a known route collapses into a single
// bucket, keeping typo'd and probing paths from exploding cardinality.
func normalizePath(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/payments/") {
		return "/payments/{other}"
	}
	if strings.HasPrefix(path, "/payouts/") {
		return "/payouts/{other}"
	}
	return path
}

// metricsResponseWriter captures the status code and byte count of a
// response on its way out.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader records the first status code; later calls are dropped the
// same way net/http drops them.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer so context updates can pass through
// stacked wrappers.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records duration, count, and size observations for every
// request except the health endpoints, which fire often enough to drown
// the payment traffic they are meant to watch.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			var requestSize int64
			if cl := r.Header.Get("Content-Length"); cl != "" {
				if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
					requestSize = size
				}
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
