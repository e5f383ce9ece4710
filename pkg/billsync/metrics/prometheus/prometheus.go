package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	ledgerTransactionsTotal   *prometheus.CounterVec
	fallbackAttemptsTotal     *prometheus.CounterVec
	replayEventsTotal         *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for gateway
// event processing.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from gateways.",
		}, []string{"gateway", "event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"gateway", "error_type"}),

		ledgerTransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "ledger_transactions_total",
			Help:      "Total number of ledger transactions written.",
		}, []string{"gateway", "type"}),

		fallbackAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "fallback_attempts_total",
			Help:      "Total number of invoice payment fallback attempts.",
		}, []string{"path", "status"}),

		replayEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "replay_events_total",
			Help:      "Total number of events processed by batch replay.",
		}, []string{"gateway", "status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "api_calls_total",
			Help:      "Total number of outbound API calls to gateways.",
		}, []string{"gateway", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billsync",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of outbound gateway API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "endpoint"}),
	}
}

func (m *Metrics) RecordWebhookEvent(gateway, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(gateway, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(gateway, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(gateway, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(gateway, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(gateway, errorType).Inc()
}

func (m *Metrics) RecordLedgerTransaction(gateway, txType string) {
	m.ledgerTransactionsTotal.WithLabelValues(gateway, txType).Inc()
}

func (m *Metrics) RecordFallbackAttempt(path, status string) {
	m.fallbackAttemptsTotal.WithLabelValues(path, status).Inc()
}

func (m *Metrics) RecordReplayEvent(gateway, status string) {
	m.replayEventsTotal.WithLabelValues(gateway, status).Inc()
}

func (m *Metrics) RecordAPICall(gateway, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(gateway, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(gateway, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(gateway, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) billsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
