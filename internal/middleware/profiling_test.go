package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func profilingHandler(cfg ProfilingConfig) http.Handler {
	return Profiling(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("api")); err != nil {
			panic(err)
		}
	}))
}

func TestProfiling_DisabledPassesThrough(t *testing.T) {
	handler := profilingHandler(ProfilingConfig{Enabled: false, Environment: "development"})

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Body.String() != "api" {
		t.Errorf("disabled profiling should fall through to the API handler, body = %q", rec.Body.String())
	}
}

func TestProfiling_IndexInDevelopment(t *testing.T) {
	handler := profilingHandler(ProfilingConfig{Enabled: true, Environment: "development"})

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "profiles") {
		t.Error("pprof index not served")
	}
}

func TestProfiling_RefusedInProduction(t *testing.T) {
	for _, env := range []string{"production", "prod"} {
		t.Run(env, func(t *testing.T) {
			handler := profilingHandler(ProfilingConfig{Enabled: true, Environment: env})

			req := httptest.NewRequest(http.MethodGet, "/debug/pprof/heap", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Body.String() != "api" {
				t.Errorf("profiler reachable in %s, body = %q", env, rec.Body.String())
			}
		})
	}
}

func TestProfiling_PaymentRoutesUnaffected(t *testing.T) {
	handler := profilingHandler(ProfilingConfig{Enabled: true, Environment: "development"})

	for _, path := range []string{"/payments/intent", "/payouts/release", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Body.String() != "api" {
			t.Errorf("%s did not reach the API handler, body = %q", path, rec.Body.String())
		}
	}
}
