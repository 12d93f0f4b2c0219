package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PendingMarker is the single-slot record bridging a full-page redirect to
// the payment provider and back. Initiating a second payment while one is
// pending overwrites the first, orphaning it; at most one marker exists at
// a time.
type PendingMarker struct {
	MerchantRefNum    string          `json:"merchant_ref_num"`
	TransactionID     string          `json:"transaction_id"`
	Amount            decimal.Decimal `json:"amount"`
	CustomerProfileID string          `json:"customer_profile_id"`
	CustomerName      string          `json:"customer_name"`
	CustomerMobile    string          `json:"customer_mobile"`
	CustomerEmail     string          `json:"customer_email"`
	Signature         string          `json:"signature"`
	ReturnURL         string          `json:"return_url"`
	Step              string          `json:"step"`
	CreatedAt         time.Time       `json:"created_at"`
}
