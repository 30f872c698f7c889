package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379; skips otherwise.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	return client
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(setupTestRedis(t), DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("Expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	store, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if store.config.KeyPrefix != "entitlement:" {
		t.Errorf("Default key prefix not applied: %q", store.config.KeyPrefix)
	}
	if store.config.OpKeyTTL != 24*time.Hour {
		t.Errorf("Default op key TTL not applied: %v", store.config.OpKeyTTL)
	}
}

func TestGrants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := entitlement.GrantKey{UserID: "user1", SeriesID: "s1", EpisodeNum: 1}
	grant, err := store.GetGrant(ctx, key)
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant != nil {
		t.Error("Expected nil grant for empty store")
	}

	stored, created, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodCredits, CreditsSpent: 5,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if !created {
		t.Error("Expected created=true")
	}
	if stored.CreditsSpent != 5 {
		t.Errorf("Stored grant mismatch: %+v", stored)
	}

	// Duplicate key returns the original.
	stored, created, err = store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodAd, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if created {
		t.Error("Expected created=false for duplicate key")
	}
	if stored.Method != entitlement.MethodCredits {
		t.Errorf("Duplicate overwrote the original: %+v", stored)
	}

	grant, err = store.GetGrant(ctx, key)
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant == nil || grant.Method != entitlement.MethodCredits {
		t.Errorf("GetGrant mismatch: %+v", grant)
	}
}

func TestListGrants(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		_, _, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
			UserID: "user1", SeriesID: "s1", EpisodeNum: i,
			Method: entitlement.MethodFree, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateGrant failed: %v", err)
		}
	}

	grants, err := store.ListGrants(ctx, "user1")
	if err != nil {
		t.Fatalf("ListGrants failed: %v", err)
	}
	if len(grants) != 3 {
		t.Fatalf("Grant count mismatch: got %d, want 3", len(grants))
	}
	if grants[0].EpisodeNum != 3 {
		t.Errorf("Grants not sorted newest first: %+v", grants[0])
	}

	grants, err = store.ListGrants(ctx, "ghost")
	if err != nil {
		t.Fatalf("ListGrants failed: %v", err)
	}
	if len(grants) != 0 {
		t.Errorf("Expected no grants for unknown user, got %d", len(grants))
	}
}

func TestCredits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	bal, err := store.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Balance != 0 {
		t.Errorf("Expected zero balance, got %d", bal.Balance)
	}

	if _, err := store.AddCredits(ctx, "user1", 10, ""); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	remaining, err := store.DeductCredits(ctx, "user1", 4, "")
	if err != nil {
		t.Fatalf("DeductCredits failed: %v", err)
	}
	if remaining != 6 {
		t.Errorf("Remaining mismatch: got %d, want 6", remaining)
	}

	// Over-deduct fails atomically.
	_, err = store.DeductCredits(ctx, "user1", 100, "")
	if !errors.Is(err, entitlement.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got %v", err)
	}
	var detail *entitlement.InsufficientCreditsError
	if !errors.As(err, &detail) {
		t.Fatalf("Expected typed error, got %T", err)
	}
	if detail.Balance != 6 {
		t.Errorf("Detail mismatch: %+v", detail)
	}
}

func TestCredits_OpKeyIdempotency(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := store.AddCredits(ctx, "user1", 10, "add-1")
	if err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	repeat, err := store.AddCredits(ctx, "user1", 10, "add-1")
	if err != nil {
		t.Fatalf("Repeated AddCredits failed: %v", err)
	}
	if repeat != first {
		t.Errorf("Repeat returned a different balance: got %d, want %d", repeat, first)
	}

	spent, err := store.DeductCredits(ctx, "user1", 3, "spend-1")
	if err != nil {
		t.Fatalf("DeductCredits failed: %v", err)
	}
	if _, err := store.AddCredits(ctx, "user1", 50, "add-2"); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	retried, err := store.DeductCredits(ctx, "user1", 3, "spend-1")
	if err != nil {
		t.Fatalf("Retried DeductCredits failed: %v", err)
	}
	if retried != spent {
		t.Errorf("Retry mismatch: got %d, want %d", retried, spent)
	}

	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 57 {
		t.Errorf("Balance mismatch: got %d, want 57", bal.Balance)
	}
}

func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tx, err := store.GetTransactionByProviderID(ctx, "tx-1")
	if err != nil {
		t.Fatalf("GetTransactionByProviderID failed: %v", err)
	}
	if tx != nil {
		t.Error("Expected nil for unknown provider id")
	}

	if err := store.CreateTransaction(ctx, &entitlement.Transaction{
		ID: "a", UserID: "user1", Type: entitlement.TxCreditPurchase,
		ProviderTransactionID: "tx-1", Status: entitlement.TxCompleted,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	err = store.CreateTransaction(ctx, &entitlement.Transaction{
		ID: "b", UserID: "user2", Type: entitlement.TxSubscription,
		ProviderTransactionID: "tx-1", Status: entitlement.TxCompleted,
	})
	if !errors.Is(err, entitlement.ErrDuplicateTransaction) {
		t.Fatalf("Expected ErrDuplicateTransaction, got %v", err)
	}

	tx, _ = store.GetTransactionByProviderID(ctx, "tx-1")
	if tx.ID != "a" {
		t.Errorf("Duplicate replaced the original: %+v", tx)
	}
}

func TestSubscriptions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sub, err := store.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub != nil {
		t.Error("Expected nil subscription for unknown user")
	}

	first := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	sub, err = store.ExtendSubscription(ctx, "user1", "premium", first)
	if err != nil {
		t.Fatalf("ExtendSubscription failed: %v", err)
	}
	if !sub.ExpiresAt.Equal(first) {
		t.Errorf("Expiry mismatch: got %v, want %v", sub.ExpiresAt, first)
	}
	if sub.Tier != "premium" {
		t.Errorf("Tier mismatch: got %s", sub.Tier)
	}

	// Stale delivery never regresses.
	sub, _ = store.ExtendSubscription(ctx, "user1", "premium", first.Add(-time.Hour))
	if !sub.ExpiresAt.Equal(first) {
		t.Errorf("Expiry regressed: got %v", sub.ExpiresAt)
	}

	// Cancel-at-period-end round trip, cleared by forward renewal.
	sub.CancelAtPeriodEnd = true
	if err := store.SetSubscription(ctx, sub); err != nil {
		t.Fatalf("SetSubscription failed: %v", err)
	}
	sub, _ = store.GetSubscription(ctx, "user1")
	if !sub.CancelAtPeriodEnd {
		t.Error("CancelAtPeriodEnd did not round trip")
	}
	later := first.Add(30 * 24 * time.Hour)
	sub, _ = store.ExtendSubscription(ctx, "user1", "premium", later)
	if !sub.ExpiresAt.Equal(later) {
		t.Errorf("Expiry did not advance: got %v", sub.ExpiresAt)
	}
	if sub.CancelAtPeriodEnd {
		t.Error("Forward renewal did not clear CancelAtPeriodEnd")
	}
}

func TestConcurrentDeducts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "user1", 100, ""); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			_, err := store.DeductCredits(ctx, "user1", 10, fmt.Sprintf("spend-%d", i))
			done <- err
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Errorf("DeductCredits failed: %v", err)
		}
	}

	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 0 {
		t.Errorf("Balance mismatch after concurrent deducts: got %d, want 0", bal.Balance)
	}
}

func TestGrants_ReplacesExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	_, created, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodAd, CreatedAt: past.Add(-time.Hour), ExpiresAt: &past,
	})
	if err != nil || !created {
		t.Fatalf("Seeding expired grant failed: created=%v err=%v", created, err)
	}

	// The expired row does not block a fresh unlock.
	stored, created, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodCredits, CreditsSpent: 5,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if !created {
		t.Error("Expected created=true over an expired row")
	}
	if stored.Method != entitlement.MethodCredits {
		t.Errorf("Replacement mismatch: %+v", stored)
	}

	// The replacement is live and blocks further inserts.
	_, created, err = store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodAd, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if created {
		t.Error("Expected created=false against the live replacement")
	}
}
