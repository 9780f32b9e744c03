package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricWebhookEvents          = "webhook_events_total"
	MetricVerificationFailures   = "webhook_verification_failures_total"
	MetricReconciliationDuration = "reconciliation_duration_seconds"
	MetricLedgerDuplicates       = "ledger_duplicates_total"
)

// Result labels for webhook_events_total.
const (
	ResultApplied         = "applied"
	ResultDuplicate       = "duplicate"
	ResultSkipped         = "skipped"
	ResultIgnored         = "ignored"
	ResultUnrecognized    = "unrecognized"
	ResultInvalidMetadata = "invalid_metadata"
	ResultError           = "error"
)

// Metrics holds reconciliation collectors.
type Metrics struct {
	events               *prometheus.CounterVec
	verificationFailures *prometheus.CounterVec
	duration             *prometheus.HistogramVec
	duplicates           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEvents,
				Help: "Verified webhook events by provider and reconciliation result",
			},
			[]string{"provider", "result"},
		),
		verificationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationFailures,
				Help: "Webhook deliveries rejected during verification by provider and reason",
			},
			[]string{"provider", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricReconciliationDuration,
				Help:    "Time spent classifying and applying a verified event",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerDuplicates,
				Help: "Redelivered events already recorded in the payment ledger",
			},
			[]string{"provider"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.events, m.verificationFailures, m.duration, m.duplicates}
}

func (m *Metrics) IncEvent(provider, result string) {
	m.events.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) IncVerificationFailure(provider, reason string) {
	m.verificationFailures.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) ObserveDuration(outcome string, seconds float64) {
	m.duration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) IncDuplicate(provider string) {
	m.duplicates.WithLabelValues(provider).Inc()
}
