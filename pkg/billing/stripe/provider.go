// Package stripe implements the subscription lifecycle reconciler: it
// consumes Stripe webhook events and reconciles subscription state and
// the transaction ledger independently of any user-initiated request.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/episodic/entitlement/pkg/billing"
	"github.com/episodic/entitlement/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	subscriptionStatusActive = "active"
	metadataUserIDKey        = "user_id"
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config // Base config (Accounts, TierMapping, WebhookSecret, etc.)

	// StripeAPIKey authenticates outbound Stripe API calls (SyncUser).
	StripeAPIKey string

	// StripeWebhookSecret verifies the Stripe-Signature header.
	StripeWebhookSecret string

	// CustomerIDResolver maps an internal user id to a Stripe customer id
	// for SyncUser. If nil, SyncUser falls back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)

	// StripeBackends overrides the API backends for outbound Stripe
	// calls. Nil uses Stripe's live endpoints.
	StripeBackends *stripe.Backends
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	accounts           *entitlement.Service
	config             Config
	httpClient         *http.Client
	tierMapping        map[string]string // price/product id -> tier
	webhookSecret      []byte
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	logger             entitlement.Logger
	metrics            billing.Metrics
}

// NewProvider creates a new Stripe reconciler.
func NewProvider(config Config) (*Provider, error) {
	if config.Accounts == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	tierMapping := make(map[string]string)
	for k, v := range config.TierMapping {
		tierMapping[strings.ToLower(k)] = v
	}

	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	var clientOpts []stripe.ClientOption
	if config.StripeBackends != nil {
		clientOpts = append(clientOpts, stripe.WithBackends(config.StripeBackends))
	}

	return &Provider{
		accounts:           config.Accounts,
		config:             config,
		httpClient:         httpClient,
		tierMapping:        tierMapping,
		webhookSecret:      []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:       stripe.NewClient(apiKey, clientOpts...),
		customerIDResolver: config.CustomerIDResolver,
		logger:             logger,
		metrics:            metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// MapPriceToTier maps a Stripe price or product id to a subscription tier.
// Unknown ids map to the empty tier, which leaves the stored tier alone.
func (p *Provider) MapPriceToTier(priceID string) string {
	if priceID == "" {
		return ""
	}
	return p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]
}

// SyncUser pulls the user's current subscriptions from Stripe and
// re-applies the newest expiry. Used for restore-purchases flows and
// nightly reconciliation; it relies on the same max-expiry rule as the
// webhook path, so re-syncing is always safe.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", billing.ErrUserNotFound
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(subscriptionStatusActive)

	tier := ""
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		if sub.Status != subscriptionStatusActive {
			continue
		}
		subTier, periodEnd := p.tierAndPeriodEnd(sub)
		if periodEnd.IsZero() {
			continue
		}
		if _, err := p.accounts.ExtendPremium(ctx, userID, subTier, periodEnd); err != nil {
			return "", err
		}
		if subTier != "" {
			tier = subTier
		}
	}
	return tier, nil
}

func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.customerIDResolver != nil {
		return p.customerIDResolver(ctx, userID)
	}

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)
	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches, so confirm the metadata.
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust.ID, nil
		}
	}
	return "", nil
}

// tierAndPeriodEnd extracts the mapped tier and the latest period end
// from a subscription's items.
func (p *Provider) tierAndPeriodEnd(sub *stripe.Subscription) (string, time.Time) {
	tier := ""
	var periodEnd time.Time
	if sub == nil || sub.Items == nil {
		return tier, periodEnd
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if t := p.MapPriceToTier(item.Price.ID); t != "" {
			tier = t
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			if end.After(periodEnd) {
				periodEnd = end
			}
		}
	}
	return tier, periodEnd
}
