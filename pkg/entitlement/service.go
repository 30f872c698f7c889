package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service orchestrates unlock decisions across the credit ledger, the
// transaction ledger, subscription state, and purchase verification.
type Service struct {
	store   Store
	catalog Catalog
	config  Config

	// platformIndex maps (platform, store product id) to SKU.
	platformIndex map[Platform]map[string]string
}

// NewService creates a new entitlement service with the given storage,
// episode catalog, and configuration.
func NewService(store Store, catalog Catalog, config Config) (*Service, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrValidation)
	}

	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USD"
	}
	if config.AdVerifier == nil {
		config.AdVerifier = AcceptNonEmptyAdProof{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	idx := make(map[Platform]map[string]string)
	for sku, p := range config.Products {
		for platform, pid := range p.PlatformIDs {
			if idx[platform] == nil {
				idx[platform] = make(map[string]string)
			}
			idx[platform][strings.ToLower(pid)] = sku
		}
	}

	return &Service{
		store:         store,
		catalog:       catalog,
		config:        config,
		platformIndex: idx,
	}, nil
}

// RequestUnlock decides whether the user may watch the episode and, on
// success, persists exactly one grant and at most one transaction.
// The operation is idempotent: a repeat call returns the existing grant
// with AlreadyUnlocked set and performs no side effects.
func (s *Service) RequestUnlock(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	if req.UserID == "" || req.SeriesID == "" || req.EpisodeNum <= 0 {
		return nil, fmt.Errorf("%w: userId, seriesId and episodeNum are required", ErrValidation)
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown unlock method %q", ErrValidation, req.Method)
	}

	episode, err := s.catalog.GetEpisode(ctx, req.SeriesID, req.EpisodeNum)
	if err != nil {
		return nil, err
	}
	if episode == nil || !episode.Active {
		return nil, ErrEpisodeNotFound
	}

	key := GrantKey{UserID: req.UserID, SeriesID: req.SeriesID, EpisodeNum: req.EpisodeNum}
	existing, err := s.store.GetGrant(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if existing != nil && existing.ValidAt(time.Now().UTC()) {
		s.config.Metrics.RecordUnlock(string(req.Method), "already_unlocked")
		return &UnlockResult{Grant: existing, AlreadyUnlocked: true}, nil
	}

	// Free episodes unlock unconditionally, whatever method was requested.
	if episode.Free {
		return s.createGrant(ctx, key, MethodFree, 0, "")
	}

	switch req.Method {
	case MethodFree:
		// The episode is not free; a free unlock cannot succeed.
		s.config.Metrics.RecordUnlock(string(req.Method), "validation_failed")
		return nil, fmt.Errorf("%w: episode is not free", ErrValidation)

	case MethodAd:
		if err := s.config.AdVerifier.VerifyAdProof(req.UserID, req.AdProof); err != nil {
			s.config.Metrics.RecordUnlock(string(req.Method), "invalid_proof")
			return nil, fmt.Errorf("%w: ad proof rejected", ErrValidation)
		}
		return s.createGrant(ctx, key, MethodAd, 0, "")

	case MethodCredits:
		return s.unlockWithCredits(ctx, key, episode, existing)

	case MethodPremium:
		sub, err := s.store.GetSubscription(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if !sub.IsPremium(time.Now().UTC()) {
			s.config.Metrics.RecordUnlock(string(req.Method), "premium_required")
			return nil, ErrPremiumRequired
		}
		return s.createGrant(ctx, key, MethodPremium, 0, "")

	case MethodPurchase:
		return s.unlockWithPurchase(ctx, key, episode, req.Purchase)
	}

	// Unreachable: Valid() rejected everything outside the closed set.
	return nil, fmt.Errorf("%w: unknown unlock method %q", ErrValidation, req.Method)
}

// unlockWithCredits deducts the episode's credit price and records the
// spend. The deduct is a single conditional decrement at the storage
// layer keyed by the grant identity, so a client retry after a partial
// failure never double-charges.
func (s *Service) unlockWithCredits(ctx context.Context, key GrantKey, episode *Episode, expired *UnlockGrant) (*UnlockResult, error) {
	price := episode.CreditPrice
	if price <= 0 {
		return nil, fmt.Errorf("%w: episode has no credit price", ErrValidation)
	}

	opKey := fmt.Sprintf("unlock:%s:%s:%d", key.UserID, key.SeriesID, key.EpisodeNum)
	if expired != nil && expired.ExpiresAt != nil {
		// Re-unlocking after the previous grant lapsed is a fresh charge.
		// Scoping the key to the lapsed expiry keeps retries of this
		// attempt idempotent without replaying the original spend.
		opKey = fmt.Sprintf("%s:%d", opKey, expired.ExpiresAt.UnixMilli())
	}
	remaining, err := s.store.DeductCredits(ctx, key.UserID, price, opKey)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.config.Metrics.RecordUnlock(string(MethodCredits), "insufficient_credits")
			s.config.Metrics.RecordCreditOperation("deduct", price, false)
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.config.Metrics.RecordCreditOperation("deduct", price, true)

	tx := &Transaction{
		ID:                    uuid.NewString(),
		UserID:                key.UserID,
		Type:                  TxCreditSpend,
		AmountCents:           0,
		Currency:              s.config.DefaultCurrency,
		PaymentMethod:         PayCredits,
		ProviderTransactionID: opKey,
		Status:                TxCompleted,
		SKU:                   episode.ProductSKU,
		CreditsGranted:        -price,
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil && !errors.Is(err, ErrDuplicateTransaction) {
		// The deduct is idempotency-keyed, so the client can retry safely.
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	res, err := s.createGrant(ctx, key, MethodCredits, price, tx.ID)
	if err != nil {
		return nil, err
	}
	res.CreditsRemaining = remaining
	return res, nil
}

// unlockWithPurchase grants access backed by a store purchase. The
// transaction must already exist in the ledger, written by the receipt
// verification path; a client-supplied transaction id is never trusted
// on its own. The transaction's SKU must match the episode's purchase
// SKU and the row must belong to the unlocking user.
func (s *Service) unlockWithPurchase(ctx context.Context, key GrantKey, episode *Episode, purchase *VerifiedPurchase) (*UnlockResult, error) {
	if purchase == nil || purchase.TransactionID == "" {
		return nil, fmt.Errorf("%w: purchase transaction id is required", ErrValidation)
	}
	if episode.ProductSKU == "" {
		return nil, fmt.Errorf("%w: episode is not sold as a one-off purchase", ErrValidation)
	}

	tx, err := s.store.GetTransactionByProviderID(ctx, purchase.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if tx == nil {
		s.config.Metrics.RecordUnlock(string(MethodPurchase), "unverified")
		return nil, fmt.Errorf("%w: transaction %s has not been verified", ErrInvalidReceipt, purchase.TransactionID)
	}
	if tx.UserID != key.UserID {
		s.config.Metrics.RecordUnlock(string(MethodPurchase), "wrong_account")
		return nil, fmt.Errorf("%w: transaction belongs to a different account", ErrInvalidReceipt)
	}
	if tx.Type != TxEpisodePurchase || !strings.EqualFold(tx.SKU, episode.ProductSKU) {
		s.config.Metrics.RecordUnlock(string(MethodPurchase), "wrong_product")
		return nil, fmt.Errorf("%w: purchase does not cover this episode", ErrInvalidReceipt)
	}

	return s.createGrant(ctx, key, MethodPurchase, 0, tx.ID)
}

// createGrant persists the grant, tolerating a concurrent duplicate.
func (s *Service) createGrant(ctx context.Context, key GrantKey, method UnlockMethod, creditsSpent int, txRef string) (*UnlockResult, error) {
	now := time.Now().UTC()
	grant := &UnlockGrant{
		UserID:         key.UserID,
		SeriesID:       key.SeriesID,
		EpisodeNum:     key.EpisodeNum,
		Method:         method,
		CreditsSpent:   creditsSpent,
		TransactionRef: txRef,
		CreatedAt:      now,
		ExpiresAt:      s.config.GrantPolicy.ExpiryFor(method, now),
	}

	stored, created, err := s.store.CreateGrant(ctx, grant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !created {
		s.config.Metrics.RecordUnlock(string(method), "already_unlocked")
		return &UnlockResult{Grant: stored, AlreadyUnlocked: true}, nil
	}

	s.config.Metrics.RecordUnlock(string(method), "granted")
	s.config.Logger.Info("episode unlocked",
		Field{Key: "user_id", Value: key.UserID},
		Field{Key: "series_id", Value: key.SeriesID},
		Field{Key: "episode", Value: key.EpisodeNum},
		Field{Key: "method", Value: string(method)},
	)
	return &UnlockResult{Grant: stored}, nil
}

// HasAccess reports whether the user currently holds a valid grant for
// the episode, or the episode is free. Used by the playback gate
// middleware; it never mutates state.
func (s *Service) HasAccess(ctx context.Context, userID, seriesID string, episodeNum int) (bool, error) {
	episode, err := s.catalog.GetEpisode(ctx, seriesID, episodeNum)
	if err != nil {
		return false, err
	}
	if episode == nil || !episode.Active {
		return false, ErrEpisodeNotFound
	}
	if episode.Free {
		return true, nil
	}

	grant, err := s.store.GetGrant(ctx, GrantKey{UserID: userID, SeriesID: seriesID, EpisodeNum: episodeNum})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if grant != nil && grant.ValidAt(time.Now().UTC()) {
		return true, nil
	}

	// Premium subscribers can watch without a per-episode grant.
	sub, err := s.store.GetSubscription(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return sub.IsPremium(time.Now().UTC()), nil
}

// Grants lists a user's grants, newest first.
func (s *Service) Grants(ctx context.Context, userID string) ([]*UnlockGrant, error) {
	return s.store.ListGrants(ctx, userID)
}

// Balance returns the user's credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (*CreditBalance, error) {
	return s.store.GetBalance(ctx, userID)
}

// SpendCredits deducts credits for the user. The check-and-deduct is a
// single atomic operation at the storage layer; callers must not read
// the balance first.
func (s *Service) SpendCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	remaining, err := s.store.DeductCredits(ctx, userID, amount, opKey)
	s.config.Metrics.RecordCreditOperation("deduct", amount, err == nil)
	return remaining, err
}

// AddCredits credits the user's balance.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	balance, err := s.store.AddCredits(ctx, userID, amount, opKey)
	s.config.Metrics.RecordCreditOperation("add", amount, err == nil)
	return balance, err
}

// Subscription returns the user's subscription state (nil if none).
func (s *Service) Subscription(ctx context.Context, userID string) (*SubscriptionState, error) {
	return s.store.GetSubscription(ctx, userID)
}

// ProductBySKU returns the active product for the SKU.
func (s *Service) ProductBySKU(sku string) (*Product, error) {
	p, ok := s.config.Products[sku]
	if !ok || !p.Active {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

// ProductByPlatformID resolves a store-specific product identifier.
func (s *Service) ProductByPlatformID(platform Platform, productID string) (*Product, error) {
	byID, ok := s.platformIndex[platform]
	if !ok {
		return nil, ErrProductNotFound
	}
	sku, ok := byID[strings.ToLower(productID)]
	if !ok {
		return nil, ErrProductNotFound
	}
	return s.ProductBySKU(sku)
}

func paymentMethodFor(platform Platform) PaymentMethod {
	switch platform {
	case PlatformApple:
		return PayAppleIAP
	case PlatformGoogle:
		return PayGooglePlay
	}
	return PayFree
}
