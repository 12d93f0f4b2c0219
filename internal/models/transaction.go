package models

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents one payment attempt in the local ledger.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	MerchantRefNum string          `json:"merchant_ref_num" db:"merchant_ref_num"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Status         string          `json:"status" db:"status"`
	PaymentMethod  string          `json:"payment_method" db:"payment_method"`
	UserID         string          `json:"user_id" db:"user_id"`
	FawryReference *string         `json:"fawry_reference,omitempty" db:"fawry_reference"`
	FawryStatus    *string         `json:"fawry_status,omitempty" db:"fawry_status"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	ThreeDSInfo    *string         `json:"three_ds_info,omitempty" db:"three_ds_info"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionStatus represents valid transaction states
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to TransactionStatus) bool {
	validTransitions := map[TransactionStatus][]TransactionStatus{
		StatusPending: {StatusCompleted, StatusFailed},
		// No transitions allowed from terminal states
		StatusCompleted: {},
		StatusFailed:    {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

const refAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Platform RNG failure; fall back to a time-derived suffix rather
		// than aborting a payment.
		for i := range buf {
			buf[i] = refAlphabet[(time.Now().UnixNano()>>uint(i*4))%int64(len(refAlphabet))]
		}
		return string(buf)
	}
	for i := range buf {
		buf[i] = refAlphabet[int(buf[i])%len(refAlphabet)]
	}
	return string(buf)
}

// NewTransactionID generates a ledger id of the form TXN_<epoch-ms>_<6 chars>.
// Uniqueness relies on the timestamp plus random suffix; there is no
// collision check.
func NewTransactionID() string {
	return fmt.Sprintf("TXN_%d_%s", time.Now().UnixMilli(), randomSuffix(6))
}

// NewMerchantRefNum generates a merchant reference number of the form
// 3DS_<epoch-ms>_<6 chars>, unique per payment attempt. The reference is the
// only replay protection the signature scheme carries.
func NewMerchantRefNum() string {
	return fmt.Sprintf("3DS_%d_%s", time.Now().UnixMilli(), randomSuffix(6))
}
