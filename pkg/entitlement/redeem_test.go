package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/episodic/entitlement/pkg/entitlement"
	"github.com/episodic/entitlement/storage/memory"
)

func newRedeemService(t *testing.T) (*entitlement.Service, *memory.Store) {
	t.Helper()

	store := memory.New()
	service, err := entitlement.NewService(store, entitlement.NewStaticCatalog(), entitlement.Config{
		Products: map[string]entitlement.Product{
			"credits_100": {
				SKU: "credits_100", Type: entitlement.ProductTypeCredits, PriceCents: 499, Credits: 100,
				PlatformIDs: map[entitlement.Platform]string{
					entitlement.PlatformApple:  "com.test.credits100",
					entitlement.PlatformGoogle: "credits_100",
				},
				Active: true,
			},
			"premium_monthly": {
				SKU: "premium_monthly", Type: entitlement.ProductTypeSubscription, PriceCents: 999,
				DurationDays: 30, Tier: "premium",
				PlatformIDs: map[entitlement.Platform]string{entitlement.PlatformApple: "com.test.premium"},
				Active:      true,
			},
			"retired_pack": {
				SKU: "retired_pack", Type: entitlement.ProductTypeCredits, Credits: 50,
				PlatformIDs: map[entitlement.Platform]string{entitlement.PlatformApple: "com.test.retired"},
				Active:      false,
			},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return service, store
}

func TestRedeemPurchase_CreditPack(t *testing.T) {
	service, store := newRedeemService(t)
	ctx := context.Background()

	result, err := service.RedeemPurchase(ctx, "user1", &entitlement.VerifiedPurchase{
		Platform: entitlement.PlatformApple, TransactionID: "apple-tx-1", ProductID: "com.test.credits100",
	})
	if err != nil {
		t.Fatalf("RedeemPurchase failed: %v", err)
	}
	if result.AlreadyProcessed {
		t.Error("Fresh redeem reported AlreadyProcessed")
	}
	if result.CreditsGranted != 100 {
		t.Errorf("CreditsGranted mismatch: got %d, want 100", result.CreditsGranted)
	}
	if result.Transaction.Type != entitlement.TxCreditPurchase {
		t.Errorf("Transaction type mismatch: got %s", result.Transaction.Type)
	}

	bal, err := store.GetBalance(ctx, "user1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Balance != 100 {
		t.Errorf("Balance mismatch: got %d, want 100", bal.Balance)
	}
}

func TestRedeemPurchase_Replay(t *testing.T) {
	service, store := newRedeemService(t)
	ctx := context.Background()

	purchase := &entitlement.VerifiedPurchase{
		Platform: entitlement.PlatformApple, TransactionID: "apple-tx-2", ProductID: "com.test.credits100",
	}
	first, err := service.RedeemPurchase(ctx, "user1", purchase)
	if err != nil {
		t.Fatalf("First redeem failed: %v", err)
	}

	second, err := service.RedeemPurchase(ctx, "user1", purchase)
	if err != nil {
		t.Fatalf("Replayed redeem failed: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("Replay did not report AlreadyProcessed")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Error("Replay returned a different transaction")
	}

	// Credits were granted exactly once.
	bal, _ := store.GetBalance(ctx, "user1")
	if bal.Balance != 100 {
		t.Errorf("Balance mismatch after replay: got %d, want 100", bal.Balance)
	}
}

func TestRedeemPurchase_Subscription(t *testing.T) {
	service, store := newRedeemService(t)
	ctx := context.Background()

	result, err := service.RedeemPurchase(ctx, "user1", &entitlement.VerifiedPurchase{
		Platform: entitlement.PlatformApple, TransactionID: "apple-tx-3", ProductID: "com.test.premium",
	})
	if err != nil {
		t.Fatalf("RedeemPurchase failed: %v", err)
	}
	if result.Subscription == nil {
		t.Fatal("Expected subscription state in the result")
	}
	if result.Subscription.Tier != "premium" {
		t.Errorf("Tier mismatch: got %s, want premium", result.Subscription.Tier)
	}

	wantMin := time.Now().UTC().AddDate(0, 0, 29)
	if result.Subscription.ExpiresAt.Before(wantMin) {
		t.Errorf("Expiry too early: %v", result.Subscription.ExpiresAt)
	}

	sub, err := store.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if !sub.IsPremium(time.Now().UTC()) {
		t.Error("Expected active premium after redeem")
	}
}

func TestRedeemPurchase_Errors(t *testing.T) {
	service, _ := newRedeemService(t)
	ctx := context.Background()

	if _, err := service.RedeemPurchase(ctx, "", &entitlement.VerifiedPurchase{TransactionID: "x"}); !errors.Is(err, entitlement.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty user, got %v", err)
	}
	if _, err := service.RedeemPurchase(ctx, "user1", nil); !errors.Is(err, entitlement.ErrValidation) {
		t.Errorf("Expected ErrValidation for nil purchase, got %v", err)
	}

	// Unknown product.
	_, err := service.RedeemPurchase(ctx, "user1", &entitlement.VerifiedPurchase{
		Platform: entitlement.PlatformApple, TransactionID: "apple-tx-4", ProductID: "com.test.unknown",
	})
	if !errors.Is(err, entitlement.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound, got %v", err)
	}

	// Inactive products are not redeemable.
	_, err = service.RedeemPurchase(ctx, "user1", &entitlement.VerifiedPurchase{
		Platform: entitlement.PlatformApple, TransactionID: "apple-tx-5", ProductID: "com.test.retired",
	})
	if !errors.Is(err, entitlement.ErrProductNotFound) {
		t.Errorf("Expected ErrProductNotFound for inactive product, got %v", err)
	}
}
