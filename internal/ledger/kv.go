package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fawry-gateway/internal/models"
	"github.com/fawry-gateway/internal/storage"
)

// KVLedger stores the full transaction list as one JSON array in a keyed-blob
// store, at storage.KeyTransactions. Read-modify-write cycles are serialized
// by an in-process mutex; it assumes a single active process over the store.
type KVLedger struct {
	store storage.Store
	now   func() time.Time
	mu    sync.Mutex
}

// NewKVLedger creates a ledger over the given blob store.
func NewKVLedger(st storage.Store) *KVLedger {
	return &KVLedger{store: st, now: time.Now}
}

func (l *KVLedger) load(ctx context.Context) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := l.store.Get(ctx, storage.KeyTransactions, &txs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return txs, nil
}

func (l *KVLedger) save(ctx context.Context, txs []models.Transaction) error {
	if err := l.store.Set(ctx, storage.KeyTransactions, txs); err != nil {
		return fmt.Errorf("failed to persist transactions: %w", err)
	}
	return nil
}

func (l *KVLedger) Create(ctx context.Context, params CreateParams) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	method := params.PaymentMethod
	if method == "" {
		method = "card"
	}

	now := l.now()
	tx := models.Transaction{
		ID:             models.NewTransactionID(),
		MerchantRefNum: params.MerchantRefNum,
		Amount:         params.Amount,
		Status:         string(models.StatusPending),
		PaymentMethod:  method,
		UserID:         params.UserID,
		ThreeDSInfo:    params.ThreeDSInfo,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	txs = append(txs, tx)
	if err := l.save(ctx, txs); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (l *KVLedger) Update(ctx context.Context, id string, fields UpdateFields) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	for i := range txs {
		if txs[i].ID != id {
			continue
		}
		if err := applyUpdate(&txs[i], fields, l.now()); err != nil {
			return nil, err
		}
		if err := l.save(ctx, txs); err != nil {
			return nil, err
		}
		tx := txs[i]
		return &tx, nil
	}

	// Unknown id is non-fatal by contract.
	return nil, nil
}

func (l *KVLedger) MarkCompleted(ctx context.Context, id, reference string) (*models.Transaction, error) {
	fields := UpdateFields{Status: statusPtr(models.StatusCompleted)}
	if reference != "" {
		fields.FawryReference = strPtr(reference)
	}
	return l.Update(ctx, id, fields)
}

func (l *KVLedger) MarkFailed(ctx context.Context, id, message, providerStatus string) (*models.Transaction, error) {
	fields := UpdateFields{
		Status:       statusPtr(models.StatusFailed),
		ErrorMessage: strPtr(message),
	}
	if providerStatus != "" {
		fields.FawryStatus = strPtr(providerStatus)
	}
	return l.Update(ctx, id, fields)
}

func (l *KVLedger) Get(ctx context.Context, id string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].ID == id {
			tx := txs[i]
			return &tx, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (l *KVLedger) GetByMerchantRef(ctx context.Context, merchantRefNum string) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].MerchantRefNum == merchantRefNum {
			tx := txs[i]
			return &tx, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (l *KVLedger) List(ctx context.Context) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(txs)
	return txs, nil
}

func (l *KVLedger) ListByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	return l.filter(ctx, func(tx *models.Transaction) bool { return tx.UserID == userID })
}

func (l *KVLedger) ListByStatus(ctx context.Context, status models.TransactionStatus) ([]models.Transaction, error) {
	return l.filter(ctx, func(tx *models.Transaction) bool { return tx.Status == string(status) })
}

func (l *KVLedger) filter(ctx context.Context, keep func(*models.Transaction) bool) ([]models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Transaction
	for i := range txs {
		if keep(&txs[i]) {
			out = append(out, txs[i])
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (l *KVLedger) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	txs, err := l.load(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := l.now().Add(-olderThan)
	kept := txs[:0]
	removed := 0
	for _, tx := range txs {
		if tx.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, tx)
	}

	if removed == 0 {
		return 0, nil
	}
	if err := l.save(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func sortNewestFirst(txs []models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
}
