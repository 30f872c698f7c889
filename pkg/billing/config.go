package billing

import (
	"net/http"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept.
type Config struct {
	// Accounts is the entitlement service whose subscription and
	// transaction state the provider maintains.
	Accounts *entitlement.Service

	// WebhookSecret verifies incoming webhook requests (e.g. the
	// Stripe-Signature header).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// TierMapping maps provider price/product IDs to subscription tiers.
	// For example: map[string]string{"price_monthly": "monthly"}.
	TierMapping map[string]string

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}
