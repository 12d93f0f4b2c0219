package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fawry-gateway/internal/models"
)

// RetentionPeriod is how long terminal and abandoned transactions are kept
// before housekeeping drops them.
const RetentionPeriod = 30 * 24 * time.Hour

var (
	// ErrTransactionNotFound is returned by lookups that require a match.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")

	// ErrInvalidTransition is returned when an update would move a
	// transaction out of a terminal state.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// CreateParams describes a new pending transaction.
type CreateParams struct {
	Amount         decimal.Decimal
	UserID         string
	MerchantRefNum string
	PaymentMethod  string
	ThreeDSInfo    *string
}

// UpdateFields carries a partial update; nil fields are left untouched.
type UpdateFields struct {
	Status         *models.TransactionStatus
	FawryReference *string
	FawryStatus    *string
	ErrorMessage   *string
	ThreeDSInfo    *string
}

// Ledger is the append-only record of payment attempts. Implementations
// must enforce the status state machine: pending transitions to exactly one
// of completed or failed, and terminal states admit no further transitions.
type Ledger interface {
	// Create appends a new transaction in the pending state.
	Create(ctx context.Context, params CreateParams) (*models.Transaction, error)

	// Update merges fields into the transaction with the given id and bumps
	// updated_at. Returns (nil, nil) when the id is unknown. Returns
	// ErrInvalidTransition when fields would move a terminal transaction.
	Update(ctx context.Context, id string, fields UpdateFields) (*models.Transaction, error)

	// MarkCompleted moves a pending transaction to completed, recording the
	// provider reference when given.
	MarkCompleted(ctx context.Context, id, reference string) (*models.Transaction, error)

	// MarkFailed moves a pending transaction to failed with a human-readable
	// message and the provider's status, when known.
	MarkFailed(ctx context.Context, id, message, providerStatus string) (*models.Transaction, error)

	// Get returns the transaction with the given id, or
	// ErrTransactionNotFound.
	Get(ctx context.Context, id string) (*models.Transaction, error)

	// GetByMerchantRef returns the transaction correlated with a merchant
	// reference number, or ErrTransactionNotFound.
	GetByMerchantRef(ctx context.Context, merchantRefNum string) (*models.Transaction, error)

	// List returns all transactions, newest first.
	List(ctx context.Context) ([]models.Transaction, error)

	// ListByUser returns the transactions belonging to a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]models.Transaction, error)

	// ListByStatus returns the transactions in a given status, newest first.
	ListByStatus(ctx context.Context, status models.TransactionStatus) ([]models.Transaction, error)

	// ClearOld drops transactions created before the retention cutoff and
	// returns how many were removed.
	ClearOld(ctx context.Context, olderThan time.Duration) (int, error)
}

func applyUpdate(tx *models.Transaction, fields UpdateFields, now time.Time) error {
	if fields.Status != nil {
		from := models.TransactionStatus(tx.Status)
		if !models.IsValidTransition(from, *fields.Status) {
			return ErrInvalidTransition
		}
		tx.Status = string(*fields.Status)
	}
	if fields.FawryReference != nil {
		tx.FawryReference = fields.FawryReference
	}
	if fields.FawryStatus != nil {
		tx.FawryStatus = fields.FawryStatus
	}
	if fields.ErrorMessage != nil {
		tx.ErrorMessage = fields.ErrorMessage
	}
	if fields.ThreeDSInfo != nil {
		tx.ThreeDSInfo = fields.ThreeDSInfo
	}
	tx.UpdatedAt = now
	return nil
}

func statusPtr(s models.TransactionStatus) *models.TransactionStatus { return &s }

func strPtr(s string) *string { return &s }
