package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordUnlock records an unlock attempt.
	// outcome: "granted", "already_unlocked", or the failure kind
	// (e.g. "insufficient_credits", "premium_required", "not_found").
	RecordUnlock(method, outcome string)

	// RecordCreditOperation records a ledger mutation.
	// operation: "add" or "deduct"; success is false for insufficient balance.
	RecordCreditOperation(operation string, amount int, success bool)

	// RecordRedeem records a purchase redemption.
	// outcome: "granted", "already_processed", or a failure kind.
	RecordRedeem(platform, productType, outcome string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordUnlock(method, outcome string)                                        {}
func (n *NoopMetrics) RecordCreditOperation(operation string, amount int, success bool)           {}
func (n *NoopMetrics) RecordRedeem(platform, productType, outcome string)                         {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
