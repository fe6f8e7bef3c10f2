package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is one endpoint's limit: at most RequestsPerWindow
// requests per WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultGlobalLimit bounds all traffic per client.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

// DefaultIntentLimit bounds intent issuance. Each intent calls out to
// Stripe, so the window is kept tight.
func DefaultIntentLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 20, WindowDuration: time.Minute}
}

// DefaultPayoutLimit bounds the payout endpoints, which only the
// scheduler should hit.
func DefaultPayoutLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// RateLimitStore tracks request counts per key. Allow reports whether the
// request may proceed and, when blocked, how many seconds until the
// window resets.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type window struct {
	hits    int
	resetAt time.Time
}

// InMemoryRateLimitStore is a fixed-window counter held in a map, used
// when no Redis is configured.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window)}
}

func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		s.windows[key] = &window{hits: 1, resetAt: now.Add(config.WindowDuration)}
		return true, 0
	}

	if w.hits < config.RequestsPerWindow {
		w.hits++
		return true, 0
	}

	retryAfter := int(w.resetAt.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}

// Cleanup drops expired windows. The ratelimit_cleanup maintenance loop
// calls this; a sensible interval is a few multiples of the longest
// configured WindowDuration.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, w := range s.windows {
		if now.After(w.resetAt) {
			delete(s.windows, key)
		}
	}
}

// RedisRateLimitStore shares fixed-window counters across API replicas
// via INCR, with EXPIRE set by whichever request opens the window.
//
// Fail-open: if Redis is unavailable the request is allowed, the error is
// logged, and the failure counter is incremented. Availability of the
// payment path matters more than strict limiting.
type RedisRateLimitStore struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store. logger and metrics
// may be nil.
func NewRedisRateLimitStore(client *redis.Client, logger *slog.Logger, metrics *Metrics) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, logger: logger, metrics: metrics}
}

func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	redisKey := "ratelimit:" + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		s.failOpen(err)
		return true, 0
	}
	if count == 1 {
		// First request in the window owns the expiry.
		if err := s.client.Expire(ctx, redisKey, config.WindowDuration).Err(); err != nil {
			s.failOpen(err)
			return true, 0
		}
	}
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}

	ttl, err := s.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		return false, 1
	}
	return false, int(ttl.Seconds()) + 1
}

func (s *RedisRateLimitStore) failOpen(err error) {
	if s.logger != nil {
		s.logger.Warn("rate limit redis error, allowing request", "error", err)
	}
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
}

// KeyFunc derives the rate limit key from a request.
type KeyFunc func(r *http.Request) string

// clientAddr resolves the client address from proxy headers, falling
// back to RemoteAddr with the port removed.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IPKeyFunc keys limits by client IP.
func IPKeyFunc() KeyFunc {
	return clientAddr
}

// SchedulerKeyFunc keys limits by the authenticated scheduler job when one
// is on the context, so scheduler retries don't collide with a client IP
// bucket. Unauthenticated traffic falls back to the IP key.
func SchedulerKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if jobID := GetSchedulerJob(r.Context()); jobID != "" {
			return "job:" + jobID
		}
		return "ip:" + clientAddr(r)
	}
}

// RateLimiter answers 429 with Retry-After and X-RateLimit-Reset headers
// once a key exhausts its window.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := store.Allow(r.Context(), keyFunc(r), config)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			ctx := SetErrorCode(r.Context(), "rate_limit_exceeded")
			UpdateResponseContext(w, ctx)

			resetAt := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		})
	}
}
