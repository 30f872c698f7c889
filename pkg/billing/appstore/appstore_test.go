package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/episodic/entitlement/pkg/billing"
)

func appleResponse(t *testing.T, w http.ResponseWriter, resp verifyResponse) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("Failed to encode response: %v", err)
	}
}

func TestVerify_Production(t *testing.T) {
	var gotSecret atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		gotSecret.Store(req.Password)
		appleResponse(t, w, verifyResponse{
			Status:      statusOK,
			Environment: "Production",
			Receipt: receiptDetail{InApp: []inAppEntry{
				{ProductID: "com.test.credits100", TransactionID: "1000000123", PurchaseDate: "1700000000000"},
			}},
		})
	}))
	defer server.Close()

	verifier := NewVerifier(Config{
		SharedSecret:  "secret",
		ProductionURL: server.URL,
		SandboxURL:    server.URL,
	})

	receipt, err := verifier.Verify(context.Background(), "base64-receipt", "com.test.credits100")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if receipt.TransactionID != "1000000123" {
		t.Errorf("TransactionID mismatch: got %s", receipt.TransactionID)
	}
	if receipt.Environment != "production" {
		t.Errorf("Environment mismatch: got %s", receipt.Environment)
	}
	if gotSecret.Load() != "secret" {
		t.Errorf("Shared secret not forwarded: got %v", gotSecret.Load())
	}
}

func TestVerify_SandboxRetry(t *testing.T) {
	var productionCalls, sandboxCalls atomic.Int64

	production := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		productionCalls.Add(1)
		appleResponse(t, w, verifyResponse{Status: statusSandboxOnProduction})
	}))
	defer production.Close()

	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls.Add(1)
		appleResponse(t, w, verifyResponse{
			Status: statusOK,
			Receipt: receiptDetail{InApp: []inAppEntry{
				{ProductID: "com.test.credits100", TransactionID: "2000000456", PurchaseDate: "1700000000000"},
			}},
		})
	}))
	defer sandbox.Close()

	verifier := NewVerifier(Config{
		ProductionURL: production.URL,
		SandboxURL:    sandbox.URL,
	})

	receipt, err := verifier.Verify(context.Background(), "sandbox-receipt", "com.test.credits100")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if receipt.Environment != "sandbox" {
		t.Errorf("Environment mismatch: got %s, want sandbox", receipt.Environment)
	}
	if productionCalls.Load() != 1 || sandboxCalls.Load() != 1 {
		t.Errorf("Call counts mismatch: production=%d sandbox=%d", productionCalls.Load(), sandboxCalls.Load())
	}
}

func TestVerify_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appleResponse(t, w, verifyResponse{Status: statusUnauthenticated})
	}))
	defer server.Close()

	verifier := NewVerifier(Config{ProductionURL: server.URL, SandboxURL: server.URL})

	_, err := verifier.Verify(context.Background(), "bad-receipt", "com.test.credits100")
	if !errors.Is(err, billing.ErrInvalidReceipt) {
		t.Fatalf("Expected ErrInvalidReceipt, got %v", err)
	}
}

func TestVerify_EmptyReceipt(t *testing.T) {
	verifier := NewVerifier(Config{})
	if _, err := verifier.Verify(context.Background(), "  ", "p"); !errors.Is(err, billing.ErrInvalidReceipt) {
		t.Errorf("Expected ErrInvalidReceipt for empty data, got %v", err)
	}
}

func TestVerify_ProductNotInReceipt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appleResponse(t, w, verifyResponse{
			Status: statusOK,
			Receipt: receiptDetail{InApp: []inAppEntry{
				{ProductID: "com.test.other", TransactionID: "1", PurchaseDate: "1700000000000"},
			}},
		})
	}))
	defer server.Close()

	verifier := NewVerifier(Config{ProductionURL: server.URL, SandboxURL: server.URL})
	_, err := verifier.Verify(context.Background(), "receipt", "com.test.credits100")
	if !errors.Is(err, billing.ErrInvalidReceipt) {
		t.Fatalf("Expected ErrInvalidReceipt, got %v", err)
	}
}

func TestVerify_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	verifier := NewVerifier(Config{ProductionURL: server.URL, SandboxURL: server.URL})
	_, err := verifier.Verify(context.Background(), "receipt", "p")
	if !errors.Is(err, billing.ErrProviderAPIError) {
		t.Fatalf("Expected ErrProviderAPIError, got %v", err)
	}
}

func TestPickEntry(t *testing.T) {
	entries := []inAppEntry{
		{ProductID: "a", TransactionID: "1", PurchaseDate: "1700000000000"},
		{ProductID: "b", TransactionID: "2", PurchaseDate: "1700000000500"},
		{ProductID: "a", TransactionID: "3", PurchaseDate: "1700000001000"},
	}

	// Newest matching entry wins.
	got := pickEntry(entries, "a")
	if got == nil || got.TransactionID != "3" {
		t.Errorf("pickEntry mismatch: %+v", got)
	}

	// Without a product filter the newest entry overall wins.
	got = pickEntry(entries, "")
	if got == nil || got.TransactionID != "3" {
		t.Errorf("pickEntry mismatch without filter: %+v", got)
	}

	if pickEntry(entries, "zzz") != nil {
		t.Error("Expected nil for unmatched product")
	}
	if pickEntry(nil, "a") != nil {
		t.Error("Expected nil for empty receipt")
	}
}

func TestPickEntry_MixedDigitCounts(t *testing.T) {
	// A shorter-digit timestamp sorts lexicographically after a longer
	// one; ordering must be numeric.
	entries := []inAppEntry{
		{ProductID: "a", TransactionID: "old", PurchaseDate: "999999999999"},
		{ProductID: "a", TransactionID: "new", PurchaseDate: "1700000000000"},
	}

	got := pickEntry(entries, "a")
	if got == nil || got.TransactionID != "new" {
		t.Errorf("pickEntry mismatch: %+v", got)
	}
}

func TestPlatform(t *testing.T) {
	if got := NewVerifier(Config{}).Platform(); got != "apple" {
		t.Errorf("Platform mismatch: got %s", got)
	}
}
