package entitlement

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Two uniqueness constraints are mandatory in every implementation and
// are the engine's durable idempotency guarantees:
//   - Transaction.ProviderTransactionID is unique across all transactions.
//   - The (UserID, SeriesID, EpisodeNum) grant key is unique.
type Store interface {
	// GetGrant retrieves a grant by its composite key.
	// Returns nil, nil when no grant exists.
	GetGrant(ctx context.Context, key GrantKey) (*UnlockGrant, error)

	// CreateGrant inserts a grant. If the composite key already exists the
	// stored grant is returned with created=false; the insert must be
	// atomic so two racing unlocks produce exactly one row. An existing
	// row that has expired does not block the insert: it is replaced and
	// created=true is returned.
	CreateGrant(ctx context.Context, grant *UnlockGrant) (stored *UnlockGrant, created bool, err error)

	// ListGrants returns all grants for a user, newest first.
	ListGrants(ctx context.Context, userID string) ([]*UnlockGrant, error)

	// GetBalance returns the user's credit balance. Users without a row
	// have a zero balance; that is not an error.
	GetBalance(ctx context.Context, userID string) (*CreditBalance, error)

	// AddCredits atomically increments the balance and returns the new
	// balance. opKey, when non-empty, makes the operation idempotent:
	// a repeat returns the balance recorded for that key without
	// re-applying.
	AddCredits(ctx context.Context, userID string, amount int, opKey string) (int, error)

	// DeductCredits atomically decrements the balance, failing with
	// *InsufficientCreditsError when balance < amount. The check and the
	// decrement are a single conditional update; callers never pre-check.
	// opKey behaves as in AddCredits.
	DeductCredits(ctx context.Context, userID string, amount int, opKey string) (int, error)

	// GetTransactionByProviderID looks up a transaction by its provider
	// transaction id. Returns nil, nil when none exists.
	GetTransactionByProviderID(ctx context.Context, providerTxID string) (*Transaction, error)

	// CreateTransaction appends a transaction. A provider transaction id
	// collision returns ErrDuplicateTransaction and writes nothing.
	CreateTransaction(ctx context.Context, tx *Transaction) error

	// GetSubscription retrieves the user's subscription state.
	// Returns nil, nil for users who never subscribed.
	GetSubscription(ctx context.Context, userID string) (*SubscriptionState, error)

	// ExtendSubscription applies expiresAt = max(current, expiresAt)
	// atomically and returns the resulting state. Out-of-order or duplicate
	// deliveries therefore never regress the expiry.
	ExtendSubscription(ctx context.Context, userID, tier string, expiresAt time.Time) (*SubscriptionState, error)

	// SetSubscription overwrites the subscription state. Reserved for the
	// explicit deactivation and cancel-at-period-end paths; renewal must go
	// through ExtendSubscription.
	SetSubscription(ctx context.Context, sub *SubscriptionState) error
}

// Catalog resolves episodes. The episode/series catalog itself (titles,
// media, search) is an external collaborator; the engine only needs the
// monetization fields on Episode.
type Catalog interface {
	// GetEpisode returns the episode, or ErrEpisodeNotFound.
	GetEpisode(ctx context.Context, seriesID string, episodeNum int) (*Episode, error)
}
