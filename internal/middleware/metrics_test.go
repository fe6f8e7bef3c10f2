package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("second Register() on the same registry succeeded")
	}
}

func TestMetrics_RateLimitCounters(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Two checks on the checkout endpoint, one on the scheduler endpoint,
	// and one scheduler request over the limit.
	m.IncRateLimitRequests("/payments/intent", "ip")
	m.IncRateLimitRequests("/payments/intent", "ip")
	m.IncRateLimitRequests("/payouts/release", "job")
	m.IncRateLimitBlocked("/payouts/release", "job")

	requests := gatherFamily(t, reg, MetricRateLimitRequests)
	if requests == nil {
		t.Fatal("rate limit request counter missing")
	}
	if len(requests.GetMetric()) != 2 {
		t.Fatalf("request counter series = %d, want 2", len(requests.GetMetric()))
	}

	counterFor := func(mf *dto.MetricFamily, endpoint, keyType string) float64 {
		for _, metric := range mf.GetMetric() {
			labels := metricLabels(metric)
			if labels["endpoint"] == endpoint && labels["key_type"] == keyType {
				return metric.GetCounter().GetValue()
			}
		}
		t.Fatalf("no series for %s/%s", endpoint, keyType)
		return 0
	}

	if got := counterFor(requests, "/payments/intent", "ip"); got != 2 {
		t.Errorf("intent checks = %f, want 2", got)
	}
	if got := counterFor(requests, "/payouts/release", "job"); got != 1 {
		t.Errorf("payout checks = %f, want 1", got)
	}

	blocked := gatherFamily(t, reg, MetricRateLimitBlocked)
	if blocked == nil {
		t.Fatal("rate limit blocked counter missing")
	}
	if got := counterFor(blocked, "/payouts/release", "job"); got != 1 {
		t.Errorf("blocked payout requests = %f, want 1", got)
	}
}

func TestMetrics_RedisErrorCounter(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.IncRateLimitRedisErrors()
	m.IncRateLimitRedisErrors()

	family := gatherFamily(t, reg, MetricRateLimitRedisErrors)
	if family == nil {
		t.Fatal("redis error counter missing")
	}
	if got := family.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("redis errors = %f, want 2", got)
	}
}

func TestMetrics_Collectors(t *testing.T) {
	if got := len(NewMetrics().Collectors()); got != 7 {
		t.Errorf("Collectors() = %d, want 7", got)
	}
}
