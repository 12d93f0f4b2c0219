package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// Sign concatenates fields in the order given, appends the security key,
// and returns the lowercase-hex SHA-256 of the UTF-8 bytes. The provider
// verifies this digest byte-for-byte, so the field order and the exact
// decimal rendering at each call site are a compatibility contract, not an
// implementation detail. Use the named field-order builders below; never
// assemble a field list inline.
func Sign(fields []string, securityKey string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
	}
	b.WriteString(securityKey)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// FormatAmount renders a currency amount with exactly two decimal places,
// the rendering every signed amount field uses.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// ChargeRequestFields is the field order for the initial 3DS charge request.
func ChargeRequestFields(merchantCode, merchantRefNum, customerProfileID, paymentMethod string, amount decimal.Decimal, cardNumber, expiryYear, expiryMonth, cvv, returnURL string) []string {
	if paymentMethod == "" {
		paymentMethod = "CARD"
	}
	return []string{
		merchantCode,
		merchantRefNum,
		customerProfileID,
		paymentMethod,
		FormatAmount(amount),
		cardNumber,
		expiryYear,
		expiryMonth,
		cvv,
		returnURL,
	}
}

// CompletionFields is the field order for the post-3DS completion charge.
//
// This order differs from ChargeRequestFields and carries a fixed placeholder
// CVV of "123": card data is not retained across the redirect, so the real
// CVV is unavailable at completion time. The divergence between the two
// orders is pinned by tests; any change must be reconciled against the
// provider's published signature specification, not guessed at.
func CompletionFields(merchantCode, merchantRefNum, customerProfileID string, amount decimal.Decimal, returnURL string) []string {
	return []string{
		merchantRefNum,
		merchantCode,
		customerProfileID,
		"CARD",
		FormatAmount(amount),
		completionPlaceholderCVV,
		returnURL,
	}
}

const completionPlaceholderCVV = "123"

// WebhookV2Fields is the field order used to verify inbound V2 webhook
// notifications.
func WebhookV2Fields(fawryRefNumber, merchantRefNum string, paymentAmount, orderAmount decimal.Decimal, orderStatus, paymentMethod string) []string {
	return []string{
		fawryRefNumber,
		merchantRefNum,
		FormatAmount(paymentAmount),
		FormatAmount(orderAmount),
		orderStatus,
		paymentMethod,
	}
}
