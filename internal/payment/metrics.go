package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricWebhookEvents   = "payment_webhook_events_total"
	MetricDeadLetter      = "payment_webhook_dead_letter_total"
	MetricIntentsIssued   = "payment_intents_issued_total"
	MetricTransfers       = "payment_transfers_total"
	MetricLedgerAppends   = "payment_ledger_appends_total"
	MetricOrphanedLedger  = "payment_ledger_orphaned_total"
)

// Metrics contains Prometheus metrics for the payment core.
// All operations are thread-safe.
type Metrics struct {
	webhookEvents  *prometheus.CounterVec
	deadLetter     prometheus.Counter
	intentsIssued  prometheus.Counter
	transfers      prometheus.Counter
	ledgerAppends  prometheus.Counter
	orphanedLedger prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEvents,
				Help: "Total number of webhook events processed, by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		deadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricDeadLetter,
			Help: "Total number of webhook events whose state transition failed and was logged for replay",
		}),
		intentsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricIntentsIssued,
			Help: "Total number of payment intents created",
		}),
		transfers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricTransfers,
			Help: "Total number of payout transfers created",
		}),
		ledgerAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLedgerAppends,
			Help: "Total number of payment ledger rows appended",
		}),
		orphanedLedger: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricOrphanedLedger,
			Help: "Total number of ledger rows written without a matching reservation",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.webhookEvents,
		m.deadLetter,
		m.intentsIssued,
		m.transfers,
		m.ledgerAppends,
		m.orphanedLedger,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncWebhookEvent increments the webhook event counter for an event type and outcome.
func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// IncDeadLetter increments the dead-letter counter.
func (m *Metrics) IncDeadLetter() {
	m.deadLetter.Inc()
}

// IncIntentsIssued increments the intents issued counter.
func (m *Metrics) IncIntentsIssued() {
	m.intentsIssued.Inc()
}

// IncTransfers increments the transfers counter.
func (m *Metrics) IncTransfers() {
	m.transfers.Inc()
}

// IncLedgerAppends increments the ledger appends counter.
func (m *Metrics) IncLedgerAppends() {
	m.ledgerAppends.Inc()
}

// IncOrphanedLedger increments the orphaned ledger rows counter.
func (m *Metrics) IncOrphanedLedger() {
	m.orphanedLedger.Inc()
}
