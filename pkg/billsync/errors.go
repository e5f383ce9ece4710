package billsync

import "errors"

var (
	// ErrInvalidConfig is returned when a gateway or storage component is
	// constructed without its required configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnauthorized is returned when webhook key or signature verification fails
	ErrUnauthorized = errors.New("webhook authentication failed")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrNotLiveMode is returned when a test-mode event reaches a production deployment
	ErrNotLiveMode = errors.New("event is not live mode")

	// ErrDuplicateTransaction is returned by TransactionStore.Create when a
	// transaction with the same (gateway, gateway transaction id) already exists.
	// Callers must treat this identically to "already processed".
	ErrDuplicateTransaction = errors.New("duplicate gateway transaction")

	// ErrTransactionNotFound is returned when no ledger transaction matches a lookup
	ErrTransactionNotFound = errors.New("ledger transaction not found")

	// ErrSubscriberNotFound is returned when a subscriber reference resolves to nothing
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrGatewayUnavailable is returned when an upstream gateway API call fails
	ErrGatewayUnavailable = errors.New("gateway API unavailable")
)
