package api

import "time"

// UnlockRequest is the body of POST /unlock.
type UnlockRequest struct {
	SeriesID   string `json:"seriesId"`
	EpisodeNum int    `json:"episodeNum"`
	Method     string `json:"method"`

	// AdProof is required when method is "ad".
	AdProof string `json:"adProof,omitempty"`

	// TransactionID references a previously verified store purchase when
	// method is "purchase".
	TransactionID string `json:"transactionId,omitempty"`
}

// GrantPayload is the wire form of an unlock grant.
type GrantPayload struct {
	SeriesID   string     `json:"seriesId"`
	EpisodeNum int        `json:"episodeNum"`
	Method     string     `json:"method"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// UnlockResponse is the body of a successful POST /unlock.
type UnlockResponse struct {
	Success          bool          `json:"success"`
	Unlock           *GrantPayload `json:"unlock"`
	AlreadyUnlocked  bool          `json:"alreadyUnlocked,omitempty"`
	CreditsRemaining int           `json:"creditsRemaining,omitempty"`
}

// SpendRequest is the body of POST /credits/spend.
type SpendRequest struct {
	Amount int `json:"amount"`

	// OperationID optionally keys the spend for idempotent retries.
	OperationID string `json:"operationId,omitempty"`
}

// SpendResponse is the body of a successful POST /credits/spend.
type SpendResponse struct {
	Success          bool `json:"success"`
	CreditsRemaining int  `json:"creditsRemaining"`
}

// BalanceResponse is the body of GET /credits.
type BalanceResponse struct {
	UserID    string    `json:"userId"`
	Balance   int       `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// VerifyAppleRequest is the body of POST /iap/verify/apple.
type VerifyAppleRequest struct {
	ReceiptData string `json:"receiptData"`
	ProductID   string `json:"productId"`
}

// VerifyGoogleRequest is the body of POST /iap/verify/google.
type VerifyGoogleRequest struct {
	PurchaseToken string `json:"purchaseToken"`
	ProductID     string `json:"productId"`
	PackageName   string `json:"packageName"`
}

// SubscriptionPayload is the wire form of a premium subscription.
type SubscriptionPayload struct {
	Tier              string    `json:"tier,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt"`
	CancelAtPeriodEnd bool      `json:"cancelAtPeriodEnd,omitempty"`
}

// VerifyResponse is the body of a successful receipt verification.
type VerifyResponse struct {
	Success          bool                 `json:"success"`
	Credits          int                  `json:"credits,omitempty"`
	Subscription     *SubscriptionPayload `json:"subscription,omitempty"`
	TransactionID    string               `json:"transactionId"`
	AlreadyProcessed bool                 `json:"alreadyProcessed,omitempty"`
}

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`

	// CreditsNeeded is set on InsufficientCredits errors.
	CreditsNeeded int `json:"creditsNeeded,omitempty"`
}
