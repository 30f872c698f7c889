package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface a payment backend must implement.
// The Stripe reconciler is the shipped implementation; the interface
// exists so another billing provider can be swapped in with zero logic
// changes in the wiring.
type Provider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// events. The implementation handles signature verification, parsing,
	// and entitlement updates internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription state
	// from the provider. Used for "Restore Purchases" flows or nightly
	// reconciliation jobs. Returns the resulting tier and any error.
	SyncUser(ctx context.Context, userID string) (string, error)
}

// ReceiptVerifier is implemented by storefront adapters (App Store,
// Google Play). Verify confirms a client-submitted purchase proof with
// the platform and normalizes the result; it never mutates account state.
type ReceiptVerifier interface {
	// Platform returns the storefront this verifier talks to.
	Platform() string

	// Verify validates receiptOrToken for productID and returns the
	// normalized purchase, or ErrInvalidReceipt-wrapped failure.
	Verify(ctx context.Context, receiptOrToken, productID string) (*VerifiedReceipt, error)
}

// VerifiedReceipt is the platform-independent result of a successful
// receipt verification.
type VerifiedReceipt struct {
	// TransactionID is the provider-assigned transaction identifier; it is
	// the idempotency key for everything downstream.
	TransactionID string

	// ProductID is the store-specific product identifier.
	ProductID string

	// Environment is "production" or "sandbox".
	Environment string
}
