package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RedeemPurchase applies a verified store purchase to the user's account:
// credit packs credit the ledger, subscription products extend premium.
//
// The provider transaction id is the idempotency key. A transaction row
// keyed by it is always written before success is reported, so every
// subsequent submission of the same receipt short-circuits to
// AlreadyProcessed with no further effect.
func (s *Service) RedeemPurchase(ctx context.Context, userID string, purchase *VerifiedPurchase) (*RedeemResult, error) {
	if userID == "" || purchase == nil || purchase.TransactionID == "" {
		return nil, fmt.Errorf("%w: userId and verified purchase are required", ErrValidation)
	}

	prior, err := s.store.GetTransactionByProviderID(ctx, purchase.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if prior != nil {
		s.config.Metrics.RecordRedeem(string(purchase.Platform), string(prior.Type), "already_processed")
		return &RedeemResult{Transaction: prior, AlreadyProcessed: true}, nil
	}

	product, err := s.ProductByPlatformID(purchase.Platform, purchase.ProductID)
	if err != nil {
		s.config.Metrics.RecordRedeem(string(purchase.Platform), "unknown", "product_not_found")
		return nil, err
	}

	result := &RedeemResult{}
	tx := &Transaction{
		ID:                    uuid.NewString(),
		UserID:                userID,
		Currency:              s.currencyFor(product),
		AmountCents:           product.PriceCents,
		PaymentMethod:         paymentMethodFor(purchase.Platform),
		ProviderTransactionID: purchase.TransactionID,
		Status:                TxCompleted,
		SKU:                   product.SKU,
		CreatedAt:             time.Now().UTC(),
	}

	switch product.Type {
	case ProductTypeCredits:
		// The ledger add shares the provider transaction id as its
		// idempotency key, so a crash between the add and the transaction
		// write is repaired by the client retrying the same receipt.
		if _, err := s.store.AddCredits(ctx, userID, product.Credits, purchase.TransactionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		tx.Type = TxCreditPurchase
		tx.CreditsGranted = product.Credits
		result.CreditsGranted = product.Credits

	case ProductTypeSubscription:
		expiresAt := time.Now().UTC().AddDate(0, 0, product.DurationDays)
		sub, err := s.store.ExtendSubscription(ctx, userID, product.Tier, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		tx.Type = TxSubscription
		tx.Tier = product.Tier
		result.Subscription = sub

	case ProductTypeEpisode:
		tx.Type = TxEpisodePurchase

	default:
		return nil, fmt.Errorf("%w: product %s has unknown type %q", ErrValidation, product.SKU, product.Type)
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			// Concurrent submission of the same receipt won the race.
			prior, lookupErr := s.store.GetTransactionByProviderID(ctx, purchase.TransactionID)
			if lookupErr == nil && prior != nil {
				s.config.Metrics.RecordRedeem(string(purchase.Platform), string(prior.Type), "already_processed")
				return &RedeemResult{Transaction: prior, AlreadyProcessed: true}, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.config.Metrics.RecordRedeem(string(purchase.Platform), string(product.Type), "granted")
	s.config.Logger.Info("purchase redeemed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "platform", Value: string(purchase.Platform)},
		Field{Key: "sku", Value: product.SKU},
		Field{Key: "provider_tx", Value: purchase.TransactionID},
	)
	result.Transaction = tx
	return result, nil
}

func (s *Service) currencyFor(p *Product) string {
	if p.Currency != "" {
		return p.Currency
	}
	return s.config.DefaultCurrency
}
