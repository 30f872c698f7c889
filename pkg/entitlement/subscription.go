package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExtendPremium moves the user's premium expiry forward to expiresAt.
// The storage layer applies max(current, expiresAt), so out-of-order or
// duplicate webhook deliveries never shorten an active subscription.
func (s *Service) ExtendPremium(ctx context.Context, userID, tier string, expiresAt time.Time) (*SubscriptionState, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	sub, err := s.store.ExtendSubscription(ctx, userID, tier, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.config.Logger.Info("premium extended",
		Field{Key: "user_id", Value: userID},
		Field{Key: "tier", Value: tier},
		Field{Key: "expires_at", Value: sub.ExpiresAt},
	)
	return sub, nil
}

// CancelPremium deactivates premium immediately. This is the only path
// allowed to move the expiry backwards; it is driven by an authenticated
// customer.subscription.deleted event, never by a stale renewal.
func (s *Service) CancelPremium(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	now := time.Now().UTC()
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	tier := ""
	if sub != nil {
		tier = sub.Tier
	}
	if err := s.store.SetSubscription(ctx, &SubscriptionState{
		UserID:    userID,
		Tier:      tier,
		ExpiresAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.config.Logger.Info("premium deactivated", Field{Key: "user_id", Value: userID})
	return nil
}

// MarkCancelAtPeriodEnd records that the subscription will not renew.
// The current expiry stands; premium lapses when it passes.
func (s *Service) MarkCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) error {
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if sub == nil {
		return nil
	}
	sub.CancelAtPeriodEnd = cancel
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.SetSubscription(ctx, sub); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RecordSubscriptionPayment appends a completed subscription transaction
// guarded by the provider's invoice id. Redelivered invoices produce no
// second row.
func (s *Service) RecordSubscriptionPayment(ctx context.Context, userID, tier, invoiceID string, amountCents int, currency string) error {
	if invoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", ErrValidation)
	}
	if currency == "" {
		currency = s.config.DefaultCurrency
	}
	err := s.store.CreateTransaction(ctx, &Transaction{
		ID:                    uuid.NewString(),
		UserID:                userID,
		Type:                  TxSubscription,
		AmountCents:           amountCents,
		Currency:              currency,
		PaymentMethod:         PayStripe,
		ProviderTransactionID: invoiceID,
		Status:                TxCompleted,
		Tier:                  tier,
		CreatedAt:             time.Now().UTC(),
	})
	if errors.Is(err, ErrDuplicateTransaction) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
