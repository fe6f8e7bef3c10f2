package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firesidehq/fireside-payments/internal/idempotency"
)

const intentResponse = `{"clientSecret":"pi_1_secret","paymentIntentId":"pi_1"}`

// intentStack wraps a handler with the Idempotency middleware guarding the
// intent route, the way main wires it.
func intentStack(repo idempotency.Repository, inner http.HandlerFunc) http.Handler {
	return Idempotency(repo, map[string]bool{"/payments/intent": true})(inner)
}

func postIntent(handler http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/intent", nil)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestIdempotency_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		wantCode string
	}{
		{"missing key", "", "missing_idempotency_key"},
		{"overlong key", strings.Repeat("a", idempotency.MaxKeyLength+1), "idempotency_key_too_long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := intentStack(idempotency.NewInMemoryRepository(), func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler ran despite an invalid idempotency key")
			})

			w := postIntent(handler, tt.key)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantCode) {
				t.Errorf("body = %s, want error code %q", w.Body.String(), tt.wantCode)
			}
		})
	}
}

func TestIdempotency_FirstRequestStoresResponse(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	handler := intentStack(repo, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(intentResponse))
	})

	w := postIntent(handler, "checkout-res8842-1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	stored, err := repo.Get("checkout-res8842-1")
	if err != nil {
		t.Fatalf("Get() after first request error = %v", err)
	}
	if stored.ResponseBody != intentResponse {
		t.Errorf("stored body = %s, want the handler response", stored.ResponseBody)
	}
	if stored.Route != "/payments/intent" {
		t.Errorf("stored route = %s, want /payments/intent", stored.Route)
	}
}

func TestIdempotency_RetryReplaysWithoutHandler(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	calls := 0
	handler := intentStack(repo, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(intentResponse))
	})

	first := postIntent(handler, "checkout-res8842-2")
	retry := postIntent(handler, "checkout-res8842-2")

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1; the retry must not issue a second intent", calls)
	}
	if first.Code != retry.Code {
		t.Errorf("status codes differ: %d vs %d", first.Code, retry.Code)
	}
	if first.Body.String() != retry.Body.String() {
		t.Errorf("replayed body differs:\n%s\nvs\n%s", first.Body.String(), retry.Body.String())
	}
}

func TestIdempotency_SkipsUnguardedTraffic(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"GET on a guarded route", http.MethodGet, "/payments/intent"},
		{"POST on an unguarded route", http.MethodPost, "/payments/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := intentStack(idempotency.NewInMemoryRepository(), func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			// No idempotency key at all.
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if !called {
				t.Error("request was blocked outside the guarded method and routes")
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestIdempotency_ErrorResponsesNotCached(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	calls := 0
	handler := intentStack(repo, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"invalid_reservation"}}`))
	})

	postIntent(handler, "checkout-failed-1")

	if _, err := repo.Get("checkout-failed-1"); !errors.Is(err, idempotency.ErrKeyNotFound) {
		t.Errorf("Get() after failed request error = %v, want ErrKeyNotFound", err)
	}

	// A retry after a failure gets a fresh attempt.
	postIntent(handler, "checkout-failed-1")
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2 when the first attempt failed", calls)
	}
}

func TestIdempotency_KeyOnContext(t *testing.T) {
	var seen string
	handler := intentStack(idempotency.NewInMemoryRepository(), func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdempotencyKey(r.Context())
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(intentResponse))
	})

	postIntent(handler, "checkout-res8842-3")
	if seen != "checkout-res8842-3" {
		t.Errorf("GetIdempotencyKey = %q, want checkout-res8842-3", seen)
	}
}

func TestIdempotency_ConcurrentRetries(t *testing.T) {
	repo := idempotency.NewInMemoryRepository()
	var mu sync.Mutex
	calls := 0
	handler := intentStack(repo, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(intentResponse))
	})

	const workers = 5
	var wg sync.WaitGroup
	responses := make([]*httptest.ResponseRecorder, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			responses[idx] = postIntent(handler, "checkout-concurrent")
		}(i)
	}
	wg.Wait()

	for i, w := range responses {
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
		if w.Body.String() != responses[0].Body.String() {
			t.Errorf("request %d: body differs from the first response", i)
		}
	}

	// Racing first deliveries may each reach the handler; the store keeps
	// exactly one record either way.
	mu.Lock()
	if calls > 1 {
		t.Logf("handler ran %d times for racing deliveries of one key", calls)
	}
	mu.Unlock()

	stored, err := repo.Get("checkout-concurrent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.ResponseBody != responses[0].Body.String() {
		t.Error("stored body differs from the served response")
	}
}
