package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/episodic/entitlement/pkg/billing/internal"
	"github.com/episodic/entitlement/pkg/entitlement"
)

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, 256*1024)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// An unverifiable signature is a client error, not an auth challenge:
	// Stripe retries on 4xx the same way and the payload must be treated
	// as untrusted either way.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "signature_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	// A processing error returns 500 so Stripe redelivers; every handler
	// is idempotent, so redelivery is always safe.
	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event. Unhandled event types
// are acknowledged without action so Stripe stops redelivering them.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "invoice.payment_succeeded":
		return p.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event)
	default:
		return nil
	}
}

// handleInvoicePaymentSucceeded extends premium to the paid period's end
// and records the payment in the ledger, keyed by the invoice id. A
// redelivered invoice re-applies the same expiry (max rule, no change)
// and hits the existing ledger row, so the whole handler replays cleanly.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := subscriptionIDFromRaw(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice.
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}

	userID := p.extractUserID(ctx, sub)
	if userID == "" {
		p.dropMissingUserID(event, subscriptionID)
		return nil
	}

	tier, periodEnd := p.tierAndPeriodEnd(sub)
	if periodEnd.IsZero() {
		periodEnd = periodEndFromRaw(event.Data.Raw)
	}
	if !periodEnd.IsZero() {
		if _, err := p.accounts.ExtendPremium(ctx, userID, tier, periodEnd); err != nil {
			return err
		}
	}

	return p.accounts.RecordSubscriptionPayment(
		ctx, userID, tier, invoice.ID, int(invoice.AmountPaid), string(invoice.Currency))
}

// handleInvoicePaymentFailed records the failure for monitoring. The
// stored expiry is left alone; premium lapses on its own unless Stripe
// recovers the payment, and customer.subscription.deleted handles the
// terminal case.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	p.logger.Warn("subscription payment failed",
		entitlement.Field{Key: "invoice_id", Value: invoice.ID},
		entitlement.Field{Key: "amount_due", Value: invoice.AmountDue},
	)
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// handleSubscriptionUpdated re-applies the subscription's current period
// end and mirrors the cancel_at_period_end flag. Because the expiry only
// moves forward, out-of-order deliveries of stale updates are harmless.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID := p.extractUserID(ctx, &sub)
	if userID == "" {
		p.dropMissingUserID(event, sub.ID)
		return nil
	}

	if sub.Status == subscriptionStatusActive {
		tier, periodEnd := p.tierAndPeriodEnd(&sub)
		if periodEnd.IsZero() {
			periodEnd = periodEndFromRaw(event.Data.Raw)
		}
		if !periodEnd.IsZero() {
			if _, err := p.accounts.ExtendPremium(ctx, userID, tier, periodEnd); err != nil {
				return err
			}
		}
	}

	return p.accounts.MarkCancelAtPeriodEnd(ctx, userID, sub.CancelAtPeriodEnd)
}

// handleSubscriptionDeleted deactivates premium immediately. This is the
// one event allowed to move the expiry backwards.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID := p.extractUserID(ctx, &sub)
	if userID == "" {
		p.dropMissingUserID(event, sub.ID)
		return nil
	}

	return p.accounts.CancelPremium(ctx, userID)
}

// extractUserID resolves the internal user id from subscription metadata,
// falling back to the customer's metadata. Returns "" when neither carries
// one.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) string {
	if sub.Metadata != nil {
		if userID := sub.Metadata[metadataUserIDKey]; userID != "" {
			return userID
		}
	}

	if sub.Customer != nil {
		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata[metadataUserIDKey]; userID != "" {
				return userID
			}
		}
	}

	return ""
}

// dropMissingUserID acknowledges an event that cannot be attributed to a
// user. Retrying cannot fix missing metadata, so the event is logged and
// dropped rather than NACKed into Stripe's redelivery loop.
func (p *Provider) dropMissingUserID(event *stripe.Event, objectID string) {
	p.logger.Warn("webhook event has no user_id metadata, dropping",
		entitlement.Field{Key: "event_id", Value: event.ID},
		entitlement.Field{Key: "event_type", Value: string(event.Type)},
		entitlement.Field{Key: "object_id", Value: objectID},
	)
	p.metrics.RecordWebhookError(providerName, "missing_user_id")
}

// subscriptionIDFromRaw pulls the subscription reference out of the raw
// invoice payload. Depending on API version it arrives as a plain id
// string, an expanded object, or nested under parent.subscription_details.
func subscriptionIDFromRaw(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}

	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}

	if parent, ok := data["parent"].(map[string]interface{}); ok {
		if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
			switch v := details["subscription"].(type) {
			case string:
				return v
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					return id
				}
			}
		}
	}

	return ""
}

// periodEndFromRaw reads period_end from a raw invoice payload as a
// fallback for API versions where the subscription items carry no period.
func periodEndFromRaw(raw json.RawMessage) time.Time {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return time.Time{}
	}
	if v, ok := data["period_end"].(float64); ok && v > 0 {
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
