// Package appstore verifies Apple App Store receipts via the
// verifyReceipt endpoint and normalizes them for redemption.
package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/episodic/entitlement/pkg/billing"
	"github.com/episodic/entitlement/pkg/entitlement"
)

const (
	platformName = "apple"

	productionURL = "https://buy.itunes.apple.com/verifyReceipt"
	sandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	defaultHTTPTimeout = 15 * time.Second

	// Apple status codes from the verifyReceipt response.
	statusOK                  = 0
	statusMalformedJSON       = 21000
	statusMalformedData       = 21002
	statusUnauthenticated     = 21003
	statusBadSharedSecret     = 21004
	statusServerUnavailable   = 21005
	statusExpiredSubscription = 21006
	statusSandboxOnProduction = 21007
	statusProductionOnSandbox = 21008
	statusAccountNotFound     = 21010
)

// Config configures the App Store verifier.
type Config struct {
	// SharedSecret is the app-specific shared secret, required for
	// receipts that contain auto-renewable subscriptions.
	SharedSecret string

	// HTTPClient is used for calls to Apple. Defaults to a client with a
	// 15 second timeout.
	HTTPClient *http.Client

	// ProductionURL and SandboxURL override Apple's endpoints in tests.
	ProductionURL string
	SandboxURL    string

	Logger  entitlement.Logger
	Metrics billing.Metrics
}

// Verifier confirms receipts against Apple's verifyReceipt endpoint. It
// always tries production first; receipts from TestFlight and review
// builds come back with status 21007 and are retried once against the
// sandbox host, per Apple's documented flow.
type Verifier struct {
	sharedSecret  string
	httpClient    *http.Client
	productionURL string
	sandboxURL    string
	logger        entitlement.Logger
	metrics       billing.Metrics
}

// NewVerifier creates an App Store receipt verifier.
func NewVerifier(config Config) *Verifier {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	prodURL := config.ProductionURL
	if prodURL == "" {
		prodURL = productionURL
	}
	sbURL := config.SandboxURL
	if sbURL == "" {
		sbURL = sandboxURL
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Verifier{
		sharedSecret:  config.SharedSecret,
		httpClient:    httpClient,
		productionURL: prodURL,
		sandboxURL:    sbURL,
		logger:        logger,
		metrics:       metrics,
	}
}

// Platform returns "apple".
func (v *Verifier) Platform() string {
	return platformName
}

type verifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password,omitempty"`
}

type verifyResponse struct {
	Status      int           `json:"status"`
	Environment string        `json:"environment"`
	Receipt     receiptDetail `json:"receipt"`
}

type receiptDetail struct {
	InApp []inAppEntry `json:"in_app"`
}

type inAppEntry struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	PurchaseDate  string `json:"purchase_date_ms"`
}

// Verify checks receiptData with Apple and returns the normalized
// purchase for productID.
func (v *Verifier) Verify(ctx context.Context, receiptData, productID string) (*billing.VerifiedReceipt, error) {
	if strings.TrimSpace(receiptData) == "" {
		return nil, fmt.Errorf("%w: empty receipt data", billing.ErrInvalidReceipt)
	}

	start := time.Now()
	resp, err := v.callVerify(ctx, v.productionURL, receiptData)
	if err != nil {
		v.metrics.RecordVerification(platformName, "production", "error")
		return nil, err
	}

	environment := "production"
	if resp.Status == statusSandboxOnProduction {
		// Sandbox receipt submitted to production. Apple's contract is to
		// retry the same receipt against the sandbox host exactly once.
		resp, err = v.callVerify(ctx, v.sandboxURL, receiptData)
		if err != nil {
			v.metrics.RecordVerification(platformName, "sandbox", "error")
			return nil, err
		}
		environment = "sandbox"
	}

	v.metrics.RecordAPICallDuration(platformName, "/verifyReceipt", time.Since(start))

	if resp.Status != statusOK {
		v.metrics.RecordVerification(platformName, environment, "rejected")
		return nil, fmt.Errorf("%w: %s", billing.ErrInvalidReceipt, statusMessage(resp.Status))
	}
	if resp.Environment != "" {
		environment = strings.ToLower(resp.Environment)
	}

	entry := pickEntry(resp.Receipt.InApp, productID)
	if entry == nil {
		v.metrics.RecordVerification(platformName, environment, "rejected")
		return nil, fmt.Errorf("%w: receipt contains no purchase of product %q", billing.ErrInvalidReceipt, productID)
	}

	v.metrics.RecordVerification(platformName, environment, "success")
	return &billing.VerifiedReceipt{
		TransactionID: entry.TransactionID,
		ProductID:     entry.ProductID,
		Environment:   environment,
	}, nil
}

func (v *Verifier) callVerify(ctx context.Context, url, receiptData string) (*verifyResponse, error) {
	payload, err := json.Marshal(verifyRequest{
		ReceiptData: receiptData,
		Password:    v.sharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verifyReceipt returned HTTP %d", billing.ErrProviderAPIError, httpResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed verifyReceipt response", billing.ErrProviderAPIError)
	}
	return &resp, nil
}

// pickEntry selects the receipt entry for productID, preferring the most
// recent purchase when the receipt carries several. Consumables appear in
// in_app once per purchase, so the newest entry is the one being redeemed.
func pickEntry(entries []inAppEntry, productID string) *inAppEntry {
	var best *inAppEntry
	var bestMs int64
	for i := range entries {
		e := &entries[i]
		if productID != "" && e.ProductID != productID {
			continue
		}
		// purchase_date_ms arrives as a decimal string.
		ms, _ := strconv.ParseInt(e.PurchaseDate, 10, 64)
		if best == nil || ms > bestMs {
			best = e
			bestMs = ms
		}
	}
	return best
}

func statusMessage(status int) string {
	switch status {
	case statusMalformedJSON:
		return "request body was not valid JSON"
	case statusMalformedData:
		return "receipt data was malformed"
	case statusUnauthenticated:
		return "receipt could not be authenticated"
	case statusBadSharedSecret:
		return "shared secret does not match"
	case statusServerUnavailable:
		return "verification server unavailable"
	case statusExpiredSubscription:
		return "subscription has expired"
	case statusProductionOnSandbox:
		return "production receipt sent to sandbox"
	case statusAccountNotFound:
		return "account not found"
	default:
		return fmt.Sprintf("verification failed with status %d", status)
	}
}
