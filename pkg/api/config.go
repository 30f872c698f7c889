package api

import (
	"fmt"
	"net/http"

	"github.com/episodic/entitlement/pkg/billing"
	"github.com/episodic/entitlement/pkg/entitlement"
)

// Config holds configuration for the entitlement API handler.
type Config struct {
	// Service is the entitlement service instance (required).
	Service *entitlement.Service

	// GetUserID extracts the authenticated user id from an HTTP request
	// (required). The API trusts this value; authentication itself happens
	// upstream.
	GetUserID func(*http.Request) string

	// AppleVerifier handles POST /iap/verify/apple. If nil, the route
	// returns 404.
	AppleVerifier billing.ReceiptVerifier

	// GoogleVerifier handles POST /iap/verify/google. If nil, the route
	// returns 404.
	GoogleVerifier billing.ReceiptVerifier

	// StripeWebhook is mounted at POST /webhooks/stripe. If nil, the route
	// returns 404.
	StripeWebhook http.Handler

	// OnError overrides default error handling.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for request-level warnings. Defaults to NoopLogger.
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common user id extraction patterns.

// FromHeader returns a GetUserID function that reads a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that reads the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
