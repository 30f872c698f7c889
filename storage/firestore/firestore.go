// Package firestore provides a Firestore implementation of the
// entitlement.Store interface. Credit mutations and subscription
// extension run inside Firestore transactions; grant and transaction
// uniqueness rides on document Create semantics.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore.
type Store struct {
	client                  *firestore.Client
	grantsCollection        string
	balancesCollection      string
	transactionsCollection  string
	subscriptionsCollection string
	ledgerOpsCollection     string
}

// Config holds Firestore storage configuration.
type Config struct {
	// GrantsCollection holds unlock grants, one document per
	// (userId, seriesId, episodeNum). Default: "unlock_grants".
	GrantsCollection string

	// BalancesCollection holds credit balances keyed by user id.
	// Default: "credit_balances".
	BalancesCollection string

	// TransactionsCollection holds transactions keyed by provider
	// transaction id. Default: "transactions".
	TransactionsCollection string

	// SubscriptionsCollection holds subscription state keyed by user id.
	// Default: "subscription_state".
	SubscriptionsCollection string

	// LedgerOpsCollection holds ledger idempotency records.
	// Default: "ledger_operations".
	LedgerOpsCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.GrantsCollection == "" {
		config.GrantsCollection = "unlock_grants"
	}
	if config.BalancesCollection == "" {
		config.BalancesCollection = "credit_balances"
	}
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "transactions"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscription_state"
	}
	if config.LedgerOpsCollection == "" {
		config.LedgerOpsCollection = "ledger_operations"
	}

	return &Store{
		client:                  client,
		grantsCollection:        config.GrantsCollection,
		balancesCollection:      config.BalancesCollection,
		transactionsCollection:  config.TransactionsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		ledgerOpsCollection:     config.LedgerOpsCollection,
	}, nil
}

func grantDocID(key entitlement.GrantKey) string {
	return fmt.Sprintf("%s_%s_%d", key.UserID, key.SeriesID, key.EpisodeNum)
}

// GetGrant implements entitlement.Store.
func (s *Store) GetGrant(ctx context.Context, key entitlement.GrantKey) (*entitlement.UnlockGrant, error) {
	snap, err := s.client.Collection(s.grantsCollection).Doc(grantDocID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return grantFromDoc(snap.Data()), nil
}

// CreateGrant implements entitlement.Store. The read-check-write runs in
// a Firestore transaction, which keeps two racing unlocks down to one
// stored grant. An expired stored grant is replaced rather than returned.
func (s *Store) CreateGrant(ctx context.Context, grant *entitlement.UnlockGrant) (*entitlement.UnlockGrant, bool, error) {
	if grant == nil || grant.UserID == "" || grant.SeriesID == "" {
		return nil, false, fmt.Errorf("invalid grant")
	}

	doc := s.client.Collection(s.grantsCollection).Doc(grantDocID(grant.Key()))

	var stored *entitlement.UnlockGrant
	created := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			existing := grantFromDoc(snap.Data())
			if existing.ValidAt(time.Now().UTC()) {
				stored = existing
				created = false
				return nil
			}
		}
		grantCopy := *grant
		stored = &grantCopy
		created = true
		return tx.Set(doc, grantToDoc(grant))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create grant: %w", err)
	}
	return stored, created, nil
}

// ListGrants implements entitlement.Store.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]*entitlement.UnlockGrant, error) {
	iter := s.client.Collection(s.grantsCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var out []*entitlement.UnlockGrant
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list grants: %w", err)
		}
		out = append(out, grantFromDoc(snap.Data()))
	}
	return out, nil
}

// GetBalance implements entitlement.Store.
func (s *Store) GetBalance(ctx context.Context, userID string) (*entitlement.CreditBalance, error) {
	snap, err := s.client.Collection(s.balancesCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return &entitlement.CreditBalance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	data := snap.Data()
	return &entitlement.CreditBalance{
		UserID:    userID,
		Balance:   getInt(data, "balance"),
		Version:   int64(getInt(data, "version")),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

// AddCredits implements entitlement.Store.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	return s.applyLedgerOp(ctx, userID, amount, opKey, false)
}

// DeductCredits implements entitlement.Store. The read, the balance
// check, and the write share one Firestore transaction, so concurrent
// spends serialize and at most one can pass the check.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	return s.applyLedgerOp(ctx, userID, amount, opKey, true)
}

func (s *Store) applyLedgerOp(ctx context.Context, userID string, amount int, opKey string, deduct bool) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}

	var newBalance int
	var insufficient *entitlement.InsufficientCreditsError

	balDoc := s.client.Collection(s.balancesCollection).Doc(userID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if opKey != "" {
			opDoc := s.client.Collection(s.ledgerOpsCollection).Doc(opKey)
			opSnap, err := tx.Get(opDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && opSnap.Exists() {
				newBalance = getInt(opSnap.Data(), "balance")
				return nil
			}
		}

		balance := 0
		version := 0
		snap, err := tx.Get(balDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			balance = getInt(snap.Data(), "balance")
			version = getInt(snap.Data(), "version")
		}

		if deduct {
			if balance < amount {
				insufficient = &entitlement.InsufficientCreditsError{Needed: amount, Balance: balance}
				return nil
			}
			newBalance = balance - amount
		} else {
			newBalance = balance + amount
		}

		if err := tx.Set(balDoc, map[string]interface{}{
			"balance":   newBalance,
			"version":   version + 1,
			"updatedAt": time.Now().UTC(),
		}); err != nil {
			return err
		}

		if opKey != "" {
			opDoc := s.client.Collection(s.ledgerOpsCollection).Doc(opKey)
			return tx.Set(opDoc, map[string]interface{}{
				"userId":    userID,
				"balance":   newBalance,
				"createdAt": time.Now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply ledger operation: %w", err)
	}
	if insufficient != nil {
		return insufficient.Balance, insufficient
	}
	return newBalance, nil
}

// GetTransactionByProviderID implements entitlement.Store.
func (s *Store) GetTransactionByProviderID(ctx context.Context, providerTxID string) (*entitlement.Transaction, error) {
	snap, err := s.client.Collection(s.transactionsCollection).Doc(providerTxID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return transactionFromDoc(providerTxID, snap.Data()), nil
}

// CreateTransaction implements entitlement.Store. The document id is the
// provider transaction id, so Create enforces global uniqueness.
func (s *Store) CreateTransaction(ctx context.Context, tx *entitlement.Transaction) error {
	if tx == nil || tx.ProviderTransactionID == "" {
		return fmt.Errorf("invalid transaction")
	}

	doc := s.client.Collection(s.transactionsCollection).Doc(tx.ProviderTransactionID)
	_, err := doc.Create(ctx, map[string]interface{}{
		"id":             tx.ID,
		"userId":         tx.UserID,
		"type":           string(tx.Type),
		"amountCents":    tx.AmountCents,
		"currency":       tx.Currency,
		"paymentMethod":  string(tx.PaymentMethod),
		"status":         string(tx.Status),
		"sku":            tx.SKU,
		"creditsGranted": tx.CreditsGranted,
		"tier":           tx.Tier,
		"createdAt":      tx.CreatedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return entitlement.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlement.SubscriptionState, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return subscriptionFromDoc(userID, snap.Data()), nil
}

// ExtendSubscription implements entitlement.Store. The max-expiry rule is
// applied inside a transaction so concurrent extensions compose.
func (s *Store) ExtendSubscription(ctx context.Context, userID, tier string, expiresAt time.Time) (*entitlement.SubscriptionState, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(userID)
	var result *entitlement.SubscriptionState

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current := &entitlement.SubscriptionState{UserID: userID}
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			current = subscriptionFromDoc(userID, snap.Data())
		}

		if expiresAt.After(current.ExpiresAt) {
			current.ExpiresAt = expiresAt
			if tier != "" {
				current.Tier = tier
			}
			current.CancelAtPeriodEnd = false
		}
		current.UpdatedAt = time.Now().UTC()
		result = current

		return tx.Set(doc, map[string]interface{}{
			"tier":              current.Tier,
			"expiresAt":         current.ExpiresAt,
			"cancelAtPeriodEnd": current.CancelAtPeriodEnd,
			"updatedAt":         current.UpdatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extend subscription: %w", err)
	}
	return result, nil
}

// SetSubscription implements entitlement.Store.
func (s *Store) SetSubscription(ctx context.Context, sub *entitlement.SubscriptionState) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription state")
	}

	_, err := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID).Set(ctx, map[string]interface{}{
		"tier":              sub.Tier,
		"expiresAt":         sub.ExpiresAt,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"updatedAt":         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func grantToDoc(g *entitlement.UnlockGrant) map[string]interface{} {
	data := map[string]interface{}{
		"userId":         g.UserID,
		"seriesId":       g.SeriesID,
		"episodeNum":     g.EpisodeNum,
		"method":         string(g.Method),
		"creditsSpent":   g.CreditsSpent,
		"transactionRef": g.TransactionRef,
		"createdAt":      g.CreatedAt,
	}
	if g.ExpiresAt != nil {
		data["expiresAt"] = *g.ExpiresAt
	}
	return data
}

func grantFromDoc(data map[string]interface{}) *entitlement.UnlockGrant {
	g := &entitlement.UnlockGrant{
		UserID:         getString(data, "userId"),
		SeriesID:       getString(data, "seriesId"),
		EpisodeNum:     getInt(data, "episodeNum"),
		Method:         entitlement.UnlockMethod(getString(data, "method")),
		CreditsSpent:   getInt(data, "creditsSpent"),
		TransactionRef: getString(data, "transactionRef"),
		CreatedAt:      getTime(data, "createdAt"),
	}
	if expiresAt, ok := data["expiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		g.ExpiresAt = &expiresAt
	}
	return g
}

func transactionFromDoc(providerTxID string, data map[string]interface{}) *entitlement.Transaction {
	return &entitlement.Transaction{
		ID:                    getString(data, "id"),
		UserID:                getString(data, "userId"),
		Type:                  entitlement.TransactionType(getString(data, "type")),
		AmountCents:           getInt(data, "amountCents"),
		Currency:              getString(data, "currency"),
		PaymentMethod:         entitlement.PaymentMethod(getString(data, "paymentMethod")),
		ProviderTransactionID: providerTxID,
		Status:                entitlement.TransactionStatus(getString(data, "status")),
		SKU:                   getString(data, "sku"),
		CreditsGranted:        getInt(data, "creditsGranted"),
		Tier:                  getString(data, "tier"),
		CreatedAt:             getTime(data, "createdAt"),
	}
}

func subscriptionFromDoc(userID string, data map[string]interface{}) *entitlement.SubscriptionState {
	return &entitlement.SubscriptionState{
		UserID:            userID,
		Tier:              getString(data, "tier"),
		ExpiresAt:         getTime(data, "expiresAt"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
