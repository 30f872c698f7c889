// Package playstore validates Google Play purchase tokens and normalizes
// them for redemption.
package playstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/episodic/entitlement/pkg/billing"
	"github.com/episodic/entitlement/pkg/entitlement"
)

const (
	platformName = "google"

	// Play purchase tokens are opaque base64url-style strings, well over
	// this length in practice.
	minTokenLength = 24
)

// TokenValidator verifies a purchase token against the Play Developer
// API. When wired, it replaces the built-in shape check; the returned
// receipt's TransactionID must be the purchase token so the ledger dedup
// stays keyed consistently.
type TokenValidator func(ctx context.Context, packageName, productID, token string) (*billing.VerifiedReceipt, error)

// Config configures the Play Store verifier.
type Config struct {
	// PackageName is the Android application id the tokens belong to.
	PackageName string

	// Validator, when set, performs full server-side verification.
	// Without it the verifier accepts any well-formed token at face
	// value; the downstream provider-transaction-id dedup still blocks
	// replays, but a fabricated token is not detected.
	Validator TokenValidator

	Logger  entitlement.Logger
	Metrics billing.Metrics
}

// Verifier validates Google Play purchase tokens.
type Verifier struct {
	packageName string
	validator   TokenValidator
	logger      entitlement.Logger
	metrics     billing.Metrics
}

// NewVerifier creates a Play Store purchase-token verifier.
func NewVerifier(config Config) *Verifier {
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Verifier{
		packageName: config.PackageName,
		validator:   config.Validator,
		logger:      logger,
		metrics:     metrics,
	}
}

// Platform returns "google".
func (v *Verifier) Platform() string {
	return platformName
}

// Verify validates purchaseToken for productID using the configured
// package name.
func (v *Verifier) Verify(ctx context.Context, purchaseToken, productID string) (*billing.VerifiedReceipt, error) {
	return v.VerifyToken(ctx, v.packageName, productID, purchaseToken)
}

// VerifyToken validates purchaseToken for productID under packageName.
func (v *Verifier) VerifyToken(ctx context.Context, packageName, productID, purchaseToken string) (*billing.VerifiedReceipt, error) {
	token := strings.TrimSpace(purchaseToken)
	if err := checkTokenShape(token); err != nil {
		v.metrics.RecordVerification(platformName, "production", "rejected")
		return nil, err
	}
	if v.packageName != "" && packageName != "" && packageName != v.packageName {
		v.metrics.RecordVerification(platformName, "production", "rejected")
		return nil, fmt.Errorf("%w: package name %q does not match configured application", billing.ErrInvalidReceipt, packageName)
	}

	if v.validator != nil {
		receipt, err := v.validator(ctx, packageName, productID, token)
		if err != nil {
			v.metrics.RecordVerification(platformName, "production", "rejected")
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidReceipt, err)
		}
		v.metrics.RecordVerification(platformName, receipt.Environment, "success")
		return receipt, nil
	}

	v.logger.Debug("accepting purchase token without Play API verification",
		entitlement.Field{Key: "product_id", Value: productID},
	)
	v.metrics.RecordVerification(platformName, "production", "success")
	return &billing.VerifiedReceipt{
		TransactionID: token,
		ProductID:     productID,
		Environment:   "production",
	}, nil
}

// checkTokenShape rejects tokens that cannot be real Play purchase
// tokens: too short, or containing characters outside the base64url
// alphabet Play uses.
func checkTokenShape(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty purchase token", billing.ErrInvalidReceipt)
	}
	if len(token) < minTokenLength {
		return fmt.Errorf("%w: purchase token too short", billing.ErrInvalidReceipt)
	}
	for _, c := range token {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: purchase token contains invalid characters", billing.ErrInvalidReceipt)
		}
	}
	return nil
}
