// Package jobs runs and instruments the service's background maintenance
// loops: idempotency key retention, audit IP anonymization, and rate limit
// bucket cleanup.
package jobs

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
)

// Job type labels.
const (
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeIPAnonymization    = "ip_anonymization"
	JobTypeRateLimitCleanup   = "ratelimit_cleanup"
)

// Completion status labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Reporter receives job outcomes. Jobs hold it as an interface so metrics
// stay optional in tests.
type Reporter interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Metrics is the Prometheus-backed Reporter the server registers.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
}

// NewMetrics builds the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobsTotal,
				Help: "Background job runs by type and status",
			},
			[]string{"job_type", "status"},
		),
		jobsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricBackgroundJobsDuration,
				Help:    "Background job duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"job_type"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBackgroundJobErrorsTotal,
				Help: "Background job failures by type and error type",
			},
			[]string{"job_type", "error_type"},
		),
	}
}

// Collectors returns every collector this Metrics owns.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.jobsTotal, m.jobsDuration, m.jobErrors}
}

// Register registers all collectors with reg, stopping at the first failure.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// Run executes fn, timing it and reporting its outcome. A nil reporter
// disables metrics without changing job behavior.
func Run(ctx context.Context, reporter Reporter, jobType string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)

	if reporter != nil {
		reporter.ObserveJobDuration(jobType, time.Since(start).Seconds())
		if err != nil {
			reporter.IncJobsTotal(jobType, StatusFailure)
			reporter.IncJobErrors(jobType, "job_error")
		} else {
			reporter.IncJobsTotal(jobType, StatusSuccess)
		}
	}

	return err
}
