package billsync

import "time"

// Metrics defines the interface for tracking gateway event processing.
// All methods are optional - components should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a gateway.
	// status: "success", "ignored", or "error"
	RecordWebhookEvent(gateway, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(gateway, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "processing_error", ...
	RecordWebhookError(gateway, errorType string)

	// RecordLedgerTransaction records a ledger write.
	// txType: "charge", "credit", or "refund"
	RecordLedgerTransaction(gateway, txType string)

	// RecordFallbackAttempt records one step of the invoice payment fallback chain.
	// path: "receipt", "wallet", or "direct"; status: "success", "skipped", or "error"
	RecordFallbackAttempt(path, status string)

	// RecordReplayEvent records the outcome of one event in a batch replay.
	RecordReplayEvent(gateway, status string)

	// RecordAPICall records an outbound API call to a gateway.
	RecordAPICall(gateway, endpoint, status string)

	// RecordAPICallDuration records how long a gateway API call took.
	RecordAPICallDuration(gateway, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordLedgerTransaction(_, _ string)                          {}
func (n *NoopMetrics) RecordFallbackAttempt(_, _ string)                            {}
func (n *NoopMetrics) RecordReplayEvent(_, _ string)                                {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
