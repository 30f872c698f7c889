package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/episodic/entitlement/pkg/entitlement"
)

func TestGrantLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	key := entitlement.GrantKey{UserID: "user1", SeriesID: "s1", EpisodeNum: 1}
	grant, err := store.GetGrant(ctx, key)
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant != nil {
		t.Error("Expected nil grant for empty store")
	}

	created := &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodCredits, CreditsSpent: 5,
		CreatedAt: time.Now().UTC(),
	}
	stored, wasCreated, err := store.CreateGrant(ctx, created)
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if !wasCreated {
		t.Error("Expected created=true for a fresh key")
	}
	if stored.CreditsSpent != 5 {
		t.Errorf("Stored grant mismatch: %+v", stored)
	}

	// Same key again returns the existing row.
	dupe := &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodAd, CreatedAt: time.Now().UTC(),
	}
	stored, wasCreated, err = store.CreateGrant(ctx, dupe)
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if wasCreated {
		t.Error("Expected created=false for a duplicate key")
	}
	if stored.Method != entitlement.MethodCredits {
		t.Errorf("Duplicate insert overwrote the original: %+v", stored)
	}
}

func TestCreateGrant_ReplacesExpired(t *testing.T) {
	store := New()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired := &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodAd, CreatedAt: past.Add(-time.Hour), ExpiresAt: &past,
	}
	if _, created, err := store.CreateGrant(ctx, expired); err != nil || !created {
		t.Fatalf("Seeding expired grant failed: created=%v err=%v", created, err)
	}

	// The expired row does not block a fresh unlock.
	fresh := &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodCredits, CreditsSpent: 5, CreatedAt: time.Now().UTC(),
	}
	stored, created, err := store.CreateGrant(ctx, fresh)
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if !created {
		t.Error("Expected created=true over an expired row")
	}
	if stored.Method != entitlement.MethodCredits || stored.ExpiresAt != nil {
		t.Errorf("Replacement mismatch: %+v", stored)
	}

	// The replacement is a live grant and blocks further inserts.
	_, created, err = store.CreateGrant(ctx, expired)
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}
	if created {
		t.Error("Expected created=false against the live replacement")
	}
}

func TestCreateGrant_ConcurrentSameKey(t *testing.T) {
	store := New()
	ctx := context.Background()

	const racers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
				UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
				Method: entitlement.MethodCredits, CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("CreateGrant failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one winner, got %d", createdCount)
	}
}

func TestListGrants_NewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		_, _, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
			UserID: "user1", SeriesID: "s1", EpisodeNum: i,
			Method: entitlement.MethodFree, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateGrant failed: %v", err)
		}
	}
	_, _, _ = store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "other", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodFree, CreatedAt: base,
	})

	grants, err := store.ListGrants(ctx, "user1")
	if err != nil {
		t.Fatalf("ListGrants failed: %v", err)
	}
	if len(grants) != 3 {
		t.Fatalf("Grant count mismatch: got %d, want 3", len(grants))
	}
	for i := 0; i < len(grants)-1; i++ {
		if grants[i].CreatedAt.Before(grants[i+1].CreatedAt) {
			t.Error("Grants not sorted newest first")
		}
	}
}

func TestCredits_AddAndDeduct(t *testing.T) {
	store := New()
	ctx := context.Background()

	bal, err := store.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Balance != 0 {
		t.Errorf("Expected zero balance for unknown user, got %d", bal.Balance)
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

	bal, _ = store.GetBalance(ctx, "user1")
	if bal.Version != 2 {
		t.Errorf("Version mismatch: got %d, want 2", bal.Version)
	}
}

func TestDeductCredits_Insufficient(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "user1", 3, ""); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	_, err := store.DeductCredits(ctx, "user1", 5, "")
	if !errors.Is(err, entitlement.ErrInsufficientCredits) {
		t.Fatalf("Expected ErrInsufficientCredits, got %v", err)
	}
	var detail *entitlement.InsufficientCreditsError
	if !errors.As(err, &detail) {
		t.Fatalf("Expected typed error, got %T", err)
	}
	if detail.Needed != 5 || detail.Balance != 3 {
		t.Errorf("Detail mismatch: %+v", detail)
	}

	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 3 {
		t.Errorf("Failed deduct changed the balance: got %d, want 3", bal.Balance)
	}
}

func TestCredits_OpKeyIdempotency(t *testing.T) {
	store := New()
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
	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 10 {
		t.Errorf("Credits applied twice: got %d, want 10", bal.Balance)
	}

	spent, err := store.DeductCredits(ctx, "user1", 4, "spend-1")
	if err != nil {
		t.Fatalf("DeductCredits failed: %v", err)
	}
	// Interleave another operation, then retry the spend. The retry must
	// report the balance recorded for its key, not the current one.
	if _, err := store.AddCredits(ctx, "user1", 100, "add-2"); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	retried, err := store.DeductCredits(ctx, "user1", 4, "spend-1")
	if err != nil {
		t.Fatalf("Retried DeductCredits failed: %v", err)
	}
	if retried != spent {
		t.Errorf("Retry mismatch: got %d, want %d", retried, spent)
	}
	bal, _ = store.GetBalance(ctx, "user1")
	if bal.Balance != 106 {
		t.Errorf("Balance mismatch: got %d, want 106", bal.Balance)
	}
}

func TestDeductCredits_ConcurrentSameKey(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "user1", 100, ""); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}

	// Many racing retries of the same logical spend apply it once.
	const racers = 20
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.DeductCredits(ctx, "user1", 5, "spend-race"); err != nil {
				t.Errorf("DeductCredits failed: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 95 {
		t.Errorf("Balance mismatch after racing retries: got %d, want 95", bal.Balance)
	}
}

func TestTransactions_ProviderIDUnique(t *testing.T) {
	store := New()
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

	// The original row survives.
	tx, _ = store.GetTransactionByProviderID(ctx, "tx-1")
	if tx.ID != "a" {
		t.Errorf("Duplicate insert replaced the original: %+v", tx)
	}

	if err := store.CreateTransaction(ctx, &entitlement.Transaction{ID: "c"}); err == nil {
		t.Error("Expected error for missing provider transaction id")
	}
}

func TestSubscription_MaxExpiry(t *testing.T) {
	store := New()
	ctx := context.Background()

	sub, err := store.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub != nil {
		t.Error("Expected nil subscription for unknown user")
	}

	first := time.Now().UTC().Add(30 * 24 * time.Hour)
	sub, err = store.ExtendSubscription(ctx, "user1", "premium", first)
	if err != nil {
		t.Fatalf("ExtendSubscription failed: %v", err)
	}
	if !sub.ExpiresAt.Equal(first) {
		t.Errorf("Expiry mismatch: got %v, want %v", sub.ExpiresAt, first)
	}

	// Earlier expiry never regresses.
	sub, _ = store.ExtendSubscription(ctx, "user1", "premium", first.Add(-time.Hour))
	if !sub.ExpiresAt.Equal(first) {
		t.Errorf("Expiry regressed: got %v, want %v", sub.ExpiresAt, first)
	}

	// Forward movement resets the cancel flag.
	sub.CancelAtPeriodEnd = true
	if err := store.SetSubscription(ctx, sub); err != nil {
		t.Fatalf("SetSubscription failed: %v", err)
	}
	later := first.Add(30 * 24 * time.Hour)
	sub, _ = store.ExtendSubscription(ctx, "user1", "premium", later)
	if !sub.ExpiresAt.Equal(later) {
		t.Errorf("Expiry did not advance: got %v, want %v", sub.ExpiresAt, later)
	}
	if sub.CancelAtPeriodEnd {
		t.Error("Forward renewal did not clear CancelAtPeriodEnd")
	}
}

func TestStoreIsolation_Copies(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, _, err := store.CreateGrant(ctx, &entitlement.UnlockGrant{
		UserID: "user1", SeriesID: "s1", EpisodeNum: 1,
		Method: entitlement.MethodFree, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateGrant failed: %v", err)
	}

	grant, _ := store.GetGrant(ctx, entitlement.GrantKey{UserID: "user1", SeriesID: "s1", EpisodeNum: 1})
	grant.Method = entitlement.MethodPurchase

	again, _ := store.GetGrant(ctx, entitlement.GrantKey{UserID: "user1", SeriesID: "s1", EpisodeNum: 1})
	if again.Method != entitlement.MethodFree {
		t.Error("Caller mutation leaked into the store")
	}
}

func TestClear(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.AddCredits(ctx, "user1", 10, "op"); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	store.Clear()

	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 0 {
		t.Errorf("Clear left a balance: %d", bal.Balance)
	}
	// The ledger key is forgotten too; the op applies again.
	if newBal, _ := store.AddCredits(ctx, "user1", 10, "op"); newBal != 10 {
		t.Errorf("Ledger key survived Clear: got %d, want 10", newBal)
	}
}
