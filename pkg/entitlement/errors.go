package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrEpisodeNotFound is returned when the series/episode does not resolve.
	ErrEpisodeNotFound = errors.New("episode not found")

	// ErrProductNotFound is returned for an unknown or inactive SKU.
	ErrProductNotFound = errors.New("product not found")

	// ErrInsufficientCredits is returned when a deduct exceeds the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrPremiumRequired is returned for premium unlocks without an active subscription.
	ErrPremiumRequired = errors.New("premium subscription required")

	// ErrInvalidReceipt is returned when purchase verification rejects the proof.
	ErrInvalidReceipt = errors.New("invalid receipt")

	// ErrDuplicateTransaction is returned by storage when a provider
	// transaction id collides with an existing row. Callers treat it as
	// already-processed, not as a failure.
	ErrDuplicateTransaction = errors.New("duplicate provider transaction")

	// ErrDuplicateGrant is returned by storage when the grant composite key
	// already exists.
	ErrDuplicateGrant = errors.New("grant already exists")

	// ErrStorageUnavailable is returned when the storage backend failed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditsError carries the actionable detail for a failed
// deduct. It matches ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	// Needed is the credit price of the operation.
	Needed int
	// Balance is the balance observed by the storage layer.
	Balance int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Needed, e.Balance)
}

// Is makes errors.Is(err, ErrInsufficientCredits) succeed.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
