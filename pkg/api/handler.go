// Package api exposes the entitlement engine over HTTP: unlock
// decisions, the credit ledger, receipt verification, and the webhook
// ingress, with a uniform error body.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/episodic/entitlement/pkg/billing"
	"github.com/episodic/entitlement/pkg/entitlement"
)

const (
	maxUserIDLen = 255
	maxBodyBytes = 64 * 1024
)

// Error codes returned in the "error" field.
const (
	codeValidation          = "ValidationError"
	codeInsufficientCredits = "InsufficientCredits"
	codePremiumRequired     = "PremiumRequired"
	codeNotFound            = "NotFound"
	codeInvalidReceipt      = "InvalidReceipt"
	codeUnauthorized        = "Unauthorized"
	codeUpstream            = "UpstreamUnavailable"
)

// Handler provides the HTTP endpoints of the entitlement API.
type Handler struct {
	config Config
}

// Router mounts every configured endpoint on a chi router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/unlock", h.Unlock)
	r.Post("/credits/spend", h.SpendCredits)
	r.Get("/credits", h.GetCredits)

	if h.config.AppleVerifier != nil {
		r.Post("/iap/verify/apple", h.VerifyApple)
	}
	if h.config.GoogleVerifier != nil {
		r.Post("/iap/verify/google", h.VerifyGoogle)
	}
	if h.config.StripeWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", h.config.StripeWebhook)
	}

	return r
}

// Unlock handles POST /unlock.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req UnlockRequest
	if !h.decode(w, r, &req) {
		return
	}

	unlockReq := entitlement.UnlockRequest{
		UserID:     userID,
		SeriesID:   req.SeriesID,
		EpisodeNum: req.EpisodeNum,
		Method:     entitlement.UnlockMethod(req.Method),
		AdProof:    req.AdProof,
	}
	if unlockReq.Method == entitlement.MethodPurchase && req.TransactionID != "" {
		unlockReq.Purchase = &entitlement.VerifiedPurchase{TransactionID: req.TransactionID}
	}

	result, err := h.config.Service.RequestUnlock(r.Context(), unlockReq)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, UnlockResponse{
		Success:          true,
		Unlock:           grantPayload(result.Grant),
		AlreadyUnlocked:  result.AlreadyUnlocked,
		CreditsRemaining: result.CreditsRemaining,
	})
}

// SpendCredits handles POST /credits/spend.
func (h *Handler) SpendCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req SpendRequest
	if !h.decode(w, r, &req) {
		return
	}

	remaining, err := h.config.Service.SpendCredits(r.Context(), userID, req.Amount, req.OperationID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SpendResponse{
		Success:          true,
		CreditsRemaining: remaining,
	})
}

// GetCredits handles GET /credits.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Service.Balance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := BalanceResponse{UserID: userID}
	if balance != nil {
		resp.Balance = balance.Balance
		resp.UpdatedAt = balance.UpdatedAt
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// VerifyApple handles POST /iap/verify/apple.
func (h *Handler) VerifyApple(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req VerifyAppleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ReceiptData == "" {
		h.handleError(w, r, fmt.Errorf("%w: receiptData is required", entitlement.ErrValidation))
		return
	}

	receipt, err := h.config.AppleVerifier.Verify(r.Context(), req.ReceiptData, req.ProductID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.redeem(w, r, userID, entitlement.PlatformApple, receipt)
}

// packageVerifier is the optional upgrade a verifier can implement to
// take the request's package name into account.
type packageVerifier interface {
	VerifyToken(ctx context.Context, packageName, productID, token string) (*billing.VerifiedReceipt, error)
}

// VerifyGoogle handles POST /iap/verify/google.
func (h *Handler) VerifyGoogle(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req VerifyGoogleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PurchaseToken == "" {
		h.handleError(w, r, fmt.Errorf("%w: purchaseToken is required", entitlement.ErrValidation))
		return
	}

	var receipt *billing.VerifiedReceipt
	var err error
	if pv, ok := h.config.GoogleVerifier.(packageVerifier); ok && req.PackageName != "" {
		receipt, err = pv.VerifyToken(r.Context(), req.PackageName, req.ProductID, req.PurchaseToken)
	} else {
		receipt, err = h.config.GoogleVerifier.Verify(r.Context(), req.PurchaseToken, req.ProductID)
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.redeem(w, r, userID, entitlement.PlatformGoogle, receipt)
}

// redeem applies a verified receipt to the user's account and writes the
// verification response.
func (h *Handler) redeem(w http.ResponseWriter, r *http.Request, userID string, platform entitlement.Platform, receipt *billing.VerifiedReceipt) {
	result, err := h.config.Service.RedeemPurchase(r.Context(), userID, &entitlement.VerifiedPurchase{
		Platform:      platform,
		TransactionID: receipt.TransactionID,
		ProductID:     receipt.ProductID,
		Environment:   receipt.Environment,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := VerifyResponse{
		Success:          true,
		Credits:          result.CreditsGranted,
		TransactionID:    receipt.TransactionID,
		AlreadyProcessed: result.AlreadyProcessed,
	}
	if result.Subscription != nil {
		resp.Subscription = &SubscriptionPayload{
			Tier:              result.Subscription.Tier,
			ExpiresAt:         result.Subscription.ExpiresAt,
			CancelAtPeriodEnd: result.Subscription.CancelAtPeriodEnd,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// userID extracts and validates the authenticated user id, writing the
// error response itself when absent.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" || len(userID) > maxUserIDLen {
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:   codeUnauthorized,
			Message: "user identity missing or invalid",
		})
		return "", false
	}
	return userID, true
}

// decode parses the JSON request body into v, writing the error response
// itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   codeValidation,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

// handleError maps a service error to the wire error body and status.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: codeUpstream, Message: err.Error()}

	var insufficient *entitlement.InsufficientCreditsError

	switch {
	case errors.As(err, &insufficient):
		status = http.StatusBadRequest
		resp.Error = codeInsufficientCredits
		resp.CreditsNeeded = insufficient.Needed
	case errors.Is(err, entitlement.ErrInsufficientCredits):
		status = http.StatusBadRequest
		resp.Error = codeInsufficientCredits
	case errors.Is(err, entitlement.ErrValidation):
		status = http.StatusBadRequest
		resp.Error = codeValidation
	case errors.Is(err, entitlement.ErrPremiumRequired):
		status = http.StatusForbidden
		resp.Error = codePremiumRequired
	case errors.Is(err, entitlement.ErrEpisodeNotFound), errors.Is(err, entitlement.ErrProductNotFound):
		status = http.StatusNotFound
		resp.Error = codeNotFound
	case errors.Is(err, billing.ErrInvalidReceipt), errors.Is(err, entitlement.ErrInvalidReceipt):
		status = http.StatusBadRequest
		resp.Error = codeInvalidReceipt
	default:
		// Upstream and storage failures stay 500 so clients retry; the
		// idempotency keys make the retry safe.
		h.config.Logger.Error("request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started; nothing useful left to do.
		return
	}
}

func grantPayload(g *entitlement.UnlockGrant) *GrantPayload {
	if g == nil {
		return nil
	}
	return &GrantPayload{
		SeriesID:   g.SeriesID,
		EpisodeNum: g.EpisodeNum,
		Method:     string(g.Method),
		CreatedAt:  g.CreatedAt,
		ExpiresAt:  g.ExpiresAt,
	}
}
