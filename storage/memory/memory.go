// Package memory provides an in-memory implementation of the
// entitlement.Store interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps.
type Store struct {
	mu sync.Mutex

	grants        map[entitlement.GrantKey]*entitlement.UnlockGrant
	balances      map[string]*entitlement.CreditBalance
	transactions  map[string]*entitlement.Transaction // keyed by provider transaction id
	subscriptions map[string]*entitlement.SubscriptionState
	ledgerOps     map[string]int // opKey -> resulting balance
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		grants:        make(map[entitlement.GrantKey]*entitlement.UnlockGrant),
		balances:      make(map[string]*entitlement.CreditBalance),
		transactions:  make(map[string]*entitlement.Transaction),
		subscriptions: make(map[string]*entitlement.SubscriptionState),
		ledgerOps:     make(map[string]int),
	}
}

// GetGrant implements entitlement.Store.
func (s *Store) GetGrant(_ context.Context, key entitlement.GrantKey) (*entitlement.UnlockGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[key]
	if !ok {
		return nil, nil
	}
	grantCopy := *grant
	return &grantCopy, nil
}

// CreateGrant implements entitlement.Store. The insert-or-return-existing
// happens under one lock, so racing unlocks yield exactly one row.
// Expired rows are replaced rather than returned.
func (s *Store) CreateGrant(_ context.Context, grant *entitlement.UnlockGrant) (*entitlement.UnlockGrant, bool, error) {
	if grant == nil || grant.UserID == "" || grant.SeriesID == "" {
		return nil, false, fmt.Errorf("invalid grant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := grant.Key()
	if existing, ok := s.grants[key]; ok {
		if existing.ValidAt(time.Now().UTC()) {
			existingCopy := *existing
			return &existingCopy, false, nil
		}
		// Expired rows do not block a fresh unlock; fall through and
		// overwrite.
	}

	grantCopy := *grant
	s.grants[key] = &grantCopy
	stored := grantCopy
	return &stored, true, nil
}

// ListGrants implements entitlement.Store.
func (s *Store) ListGrants(_ context.Context, userID string) ([]*entitlement.UnlockGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entitlement.UnlockGrant
	for _, grant := range s.grants {
		if grant.UserID == userID {
			grantCopy := *grant
			out = append(out, &grantCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetBalance implements entitlement.Store.
func (s *Store) GetBalance(_ context.Context, userID string) (*entitlement.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[userID]
	if !ok {
		return &entitlement.CreditBalance{UserID: userID}, nil
	}
	balCopy := *bal
	return &balCopy, nil
}

// AddCredits implements entitlement.Store.
func (s *Store) AddCredits(_ context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opKey != "" {
		if recorded, ok := s.ledgerOps[opKey]; ok {
			// Already applied; return the recorded result.
			return recorded, nil
		}
	}

	bal := s.balanceLocked(userID)
	bal.Balance += amount
	bal.Version++
	bal.UpdatedAt = time.Now().UTC()

	if opKey != "" {
		s.ledgerOps[opKey] = bal.Balance
	}
	return bal.Balance, nil
}

// DeductCredits implements entitlement.Store. The balance check and the
// decrement happen under the same lock; callers never pre-check.
func (s *Store) DeductCredits(_ context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opKey != "" {
		if recorded, ok := s.ledgerOps[opKey]; ok {
			// Already applied; retrying is a no-op.
			return recorded, nil
		}
	}

	bal := s.balanceLocked(userID)
	if bal.Balance < amount {
		return bal.Balance, &entitlement.InsufficientCreditsError{Needed: amount, Balance: bal.Balance}
	}
	bal.Balance -= amount
	bal.Version++
	bal.UpdatedAt = time.Now().UTC()

	if opKey != "" {
		s.ledgerOps[opKey] = bal.Balance
	}
	return bal.Balance, nil
}

// GetTransactionByProviderID implements entitlement.Store.
func (s *Store) GetTransactionByProviderID(_ context.Context, providerTxID string) (*entitlement.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[providerTxID]
	if !ok {
		return nil, nil
	}
	txCopy := *tx
	return &txCopy, nil
}

// CreateTransaction implements entitlement.Store.
func (s *Store) CreateTransaction(_ context.Context, tx *entitlement.Transaction) error {
	if tx == nil || tx.ProviderTransactionID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ProviderTransactionID]; ok {
		return entitlement.ErrDuplicateTransaction
	}
	txCopy := *tx
	s.transactions[tx.ProviderTransactionID] = &txCopy
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Store) GetSubscription(_ context.Context, userID string) (*entitlement.SubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, nil
	}
	subCopy := *sub
	return &subCopy, nil
}

// ExtendSubscription implements entitlement.Store. The expiry only moves
// forward: expiresAt = max(current, expiresAt).
func (s *Store) ExtendSubscription(_ context.Context, userID, tier string, expiresAt time.Time) (*entitlement.SubscriptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		sub = &entitlement.SubscriptionState{UserID: userID}
		s.subscriptions[userID] = sub
	}
	if expiresAt.After(sub.ExpiresAt) {
		sub.ExpiresAt = expiresAt
		if tier != "" {
			sub.Tier = tier
		}
		sub.CancelAtPeriodEnd = false
	}
	sub.UpdatedAt = time.Now().UTC()

	subCopy := *sub
	return &subCopy, nil
}

// SetSubscription implements entitlement.Store.
func (s *Store) SetSubscription(_ context.Context, sub *entitlement.SubscriptionState) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription state")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.UserID] = &subCopy
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants = make(map[entitlement.GrantKey]*entitlement.UnlockGrant)
	s.balances = make(map[string]*entitlement.CreditBalance)
	s.transactions = make(map[string]*entitlement.Transaction)
	s.subscriptions = make(map[string]*entitlement.SubscriptionState)
	s.ledgerOps = make(map[string]int)
}

func (s *Store) balanceLocked(userID string) *entitlement.CreditBalance {
	bal, ok := s.balances[userID]
	if !ok {
		bal = &entitlement.CreditBalance{UserID: userID}
		s.balances[userID] = bal
	}
	return bal
}
