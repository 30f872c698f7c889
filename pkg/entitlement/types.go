package entitlement

import (
	"time"
)

// UnlockMethod identifies how a user gains access to an episode.
// It is a closed set: use Valid to reject anything outside it.
type UnlockMethod string

const (
	// MethodFree is used for episodes flagged free in the catalog.
	MethodFree UnlockMethod = "free"
	// MethodAd unlocks after a rewarded-ad view, proven by an ad-SDK token.
	MethodAd UnlockMethod = "ad"
	// MethodCredits spends ledger credits at the episode's credit price.
	MethodCredits UnlockMethod = "credits"
	// MethodPurchase unlocks via a store purchase (Apple/Google IAP).
	MethodPurchase UnlockMethod = "purchase"
	// MethodPremium unlocks because the user holds an active subscription.
	MethodPremium UnlockMethod = "premium"
)

// Valid reports whether m is one of the supported unlock methods.
func (m UnlockMethod) Valid() bool {
	switch m {
	case MethodFree, MethodAd, MethodCredits, MethodPurchase, MethodPremium:
		return true
	}
	return false
}

// ProductType classifies purchasable SKUs.
type ProductType string

const (
	// ProductTypeCredits grants a credit pack on purchase.
	ProductTypeCredits ProductType = "credits"
	// ProductTypeSubscription grants premium time on purchase.
	ProductTypeSubscription ProductType = "subscription"
	// ProductTypeEpisode is a per-episode purchase.
	ProductTypeEpisode ProductType = "episode-purchase"
)

// Platform identifies the storefront a purchase proof came from.
type Platform string

const (
	// PlatformApple is the App Store.
	PlatformApple Platform = "apple"
	// PlatformGoogle is Google Play.
	PlatformGoogle Platform = "google"
)

// Product is a purchasable SKU. Products are reference data seeded via
// Config and never mutated at runtime; a Transaction references them by SKU.
type Product struct {
	SKU        string
	Type       ProductType
	PriceCents int
	Currency   string

	// Credits is the credit-grant amount for ProductTypeCredits SKUs.
	Credits int

	// DurationDays and Tier apply to ProductTypeSubscription SKUs.
	DurationDays int
	Tier         string

	// PlatformIDs maps a storefront to its store-specific product identifier.
	PlatformIDs map[Platform]string

	Active bool
}

// UnlockGrant records that a user may watch a specific episode.
// The (UserID, SeriesID, EpisodeNum) composite key is unique at the
// storage layer. Grants are created once and never mutated or deleted.
type UnlockGrant struct {
	UserID     string
	SeriesID   string
	EpisodeNum int
	Method     UnlockMethod

	// CreditsSpent is set for MethodCredits grants.
	CreditsSpent int

	// TransactionRef links to the Transaction created alongside the grant,
	// when one exists (credit spends and store purchases).
	TransactionRef string

	CreatedAt time.Time

	// ExpiresAt is stamped at creation from the GrantPolicy for the method.
	// Nil means the grant is permanent.
	ExpiresAt *time.Time
}

// Key returns the composite identity of the grant.
func (g *UnlockGrant) Key() GrantKey {
	return GrantKey{UserID: g.UserID, SeriesID: g.SeriesID, EpisodeNum: g.EpisodeNum}
}

// ValidAt reports whether the grant still authorizes access at t.
func (g *UnlockGrant) ValidAt(t time.Time) bool {
	if g.ExpiresAt == nil {
		return true
	}
	return t.Before(*g.ExpiresAt)
}

// GrantKey is the natural composite key of an UnlockGrant.
type GrantKey struct {
	UserID     string
	SeriesID   string
	EpisodeNum int
}

// CreditBalance is a user's credit account. Balance is never negative
// and Version increases with every mutation.
type CreditBalance struct {
	UserID    string
	Balance   int
	Version   int64
	UpdatedAt time.Time
}

// TransactionType classifies ledger transactions.
type TransactionType string

const (
	// TxCreditPurchase records a credit-pack purchase.
	TxCreditPurchase TransactionType = "credit_purchase"
	// TxCreditSpend records credits spent on an unlock.
	TxCreditSpend TransactionType = "credit_spend"
	// TxSubscription records a subscription purchase or renewal.
	TxSubscription TransactionType = "subscription"
	// TxEpisodePurchase records a per-episode store purchase.
	TxEpisodePurchase TransactionType = "episode_purchase"
)

// PaymentMethod identifies how a transaction was paid.
type PaymentMethod string

const (
	// PayAd marks ad-funded value movement.
	PayAd PaymentMethod = "ad"
	// PayCredits marks internal credit spends.
	PayCredits PaymentMethod = "credits"
	// PayStripe marks Stripe-billed payments.
	PayStripe PaymentMethod = "stripe"
	// PayAppleIAP marks App Store purchases.
	PayAppleIAP PaymentMethod = "apple_iap"
	// PayGooglePlay marks Google Play purchases.
	PayGooglePlay PaymentMethod = "google_play"
	// PayFree marks zero-value records.
	PayFree PaymentMethod = "free"
)

// TransactionStatus is the processing state of a transaction.
type TransactionStatus string

const (
	// TxPending means the transaction was recorded but not yet confirmed.
	TxPending TransactionStatus = "pending"
	// TxCompleted means the transaction is final.
	TxCompleted TransactionStatus = "completed"
	// TxFailed means the transaction was rejected.
	TxFailed TransactionStatus = "failed"
)

// Transaction is an append-only record of a monetary or credit event.
// ProviderTransactionID is globally unique at the storage layer and is
// the idempotency key for every provider-driven operation.
type Transaction struct {
	ID            string
	UserID        string
	Type          TransactionType
	AmountCents   int
	Currency      string
	PaymentMethod PaymentMethod

	ProviderTransactionID string

	Status TransactionStatus

	// Metadata.
	SKU            string
	CreditsGranted int
	Tier           string

	CreatedAt time.Time
}

// SubscriptionState is a user's premium standing. ExpiresAt only moves
// forward under renewal; it may regress only through CancelPremium.
type SubscriptionState struct {
	UserID            string
	Tier              string
	ExpiresAt         time.Time
	CancelAtPeriodEnd bool
	UpdatedAt         time.Time
}

// IsPremium reports whether the subscription is active at t.
func (s *SubscriptionState) IsPremium(t time.Time) bool {
	if s == nil {
		return false
	}
	return t.Before(s.ExpiresAt)
}

// Episode is the slice of catalog data the engine needs to decide an
// unlock. The full catalog (titles, media, search) is out of scope and
// lives behind the Catalog interface.
type Episode struct {
	SeriesID   string
	EpisodeNum int
	Free       bool
	// CreditPrice is the cost in credits for MethodCredits unlocks.
	CreditPrice int
	// ProductSKU optionally names the per-episode purchase SKU.
	ProductSKU string
	Active     bool
}

// UnlockRequest carries one unlock attempt.
type UnlockRequest struct {
	UserID     string
	SeriesID   string
	EpisodeNum int
	Method     UnlockMethod

	// AdProof is the ad-SDK token required for MethodAd.
	AdProof string

	// Purchase carries the verified store purchase for MethodPurchase.
	Purchase *VerifiedPurchase
}

// UnlockResult is the outcome of a successful unlock.
type UnlockResult struct {
	Grant *UnlockGrant

	// AlreadyUnlocked is true when a prior grant short-circuited the call.
	AlreadyUnlocked bool

	// CreditsRemaining is set after a MethodCredits unlock.
	CreditsRemaining int
}

// VerifiedPurchase is a storefront purchase proof after server-side
// verification, normalized across platforms.
type VerifiedPurchase struct {
	Platform Platform

	// TransactionID is the provider-assigned transaction identifier
	// (Apple transaction id, Google purchase token).
	TransactionID string

	// ProductID is the store-specific product identifier.
	ProductID string

	// Environment is "production" or "sandbox" where the platform
	// distinguishes them.
	Environment string
}

// RedeemResult reports the effect of redeeming a verified purchase.
type RedeemResult struct {
	Transaction *Transaction

	// AlreadyProcessed is true when the provider transaction id had been
	// seen before; no state was changed.
	AlreadyProcessed bool

	// CreditsGranted is set for credit-pack products.
	CreditsGranted int

	// Subscription is set for subscription products.
	Subscription *SubscriptionState
}

// GrantPolicy controls per-method grant validity. A zero duration means
// grants for that method are permanent.
type GrantPolicy struct {
	TTL map[UnlockMethod]time.Duration
}

// ExpiryFor returns the expiry to stamp on a new grant, or nil for
// permanent grants.
func (p GrantPolicy) ExpiryFor(method UnlockMethod, now time.Time) *time.Time {
	ttl := p.TTL[method]
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl)
	return &exp
}

// AdProofVerifier validates a rewarded-ad proof with the issuing ad
// network. The default implementation accepts any non-empty proof and
// exists so a real server-to-server validator can be substituted without
// touching the Service.
type AdProofVerifier interface {
	VerifyAdProof(userID, proof string) error
}

// AcceptNonEmptyAdProof is the placeholder verifier: it rejects only
// empty proofs. Replace it with an ad-network S2S validator in production.
type AcceptNonEmptyAdProof struct{}

// VerifyAdProof implements AdProofVerifier.
func (AcceptNonEmptyAdProof) VerifyAdProof(_, proof string) error {
	if proof == "" {
		return ErrValidation
	}
	return nil
}

// Config holds Service configuration.
type Config struct {
	// Products maps SKU to product definition. Reference data; seeded at
	// startup and never mutated.
	Products map[string]Product

	// DefaultCurrency is used for transactions when a product carries no
	// currency (default: "USD").
	DefaultCurrency string

	// GrantPolicy controls per-method grant expiry (default: all permanent).
	GrantPolicy GrantPolicy

	// AdVerifier validates ad-watch proofs (default: AcceptNonEmptyAdProof).
	AdVerifier AdProofVerifier

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks entitlement operations (default: NoopMetrics).
	Metrics Metrics
}
