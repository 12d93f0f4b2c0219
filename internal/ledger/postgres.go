package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fawry-gateway/internal/models"
)

// PostgresLedger backs the transaction ledger with a Postgres table, for
// deployments where the keyed-blob store is not durable enough.
type PostgresLedger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLedger establishes a connection pool and verifies connectivity.
func NewPostgresLedger(ctx context.Context, databaseURL string, minConns, maxConns int) (*PostgresLedger, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	config.MinConns = int32(minConns)
	config.MaxConns = int32(maxConns)
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Ledger database pool established (min: %d, max: %d)", minConns, maxConns)
	return &PostgresLedger{pool: pool, now: time.Now}, nil
}

// Close gracefully closes the connection pool.
func (l *PostgresLedger) Close() {
	if l.pool != nil {
		log.Println("Closing ledger database pool...")
		l.pool.Close()
	}
}

// Health checks database connectivity.
func (l *PostgresLedger) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return l.pool.Ping(ctx)
}

const txColumns = `id, merchant_ref_num, amount, status, payment_method, user_id,
       fawry_reference, fawry_status, error_message, three_ds_info,
       created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.MerchantRefNum,
		&tx.Amount,
		&tx.Status,
		&tx.PaymentMethod,
		&tx.UserID,
		&tx.FawryReference,
		&tx.FawryStatus,
		&tx.ErrorMessage,
		&tx.ThreeDSInfo,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (l *PostgresLedger) Create(ctx context.Context, params CreateParams) (*models.Transaction, error) {
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

	insertSQL := `
		INSERT INTO transactions (
			id, merchant_ref_num, amount, status, payment_method, user_id,
			three_ds_info, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := l.pool.Exec(ctx, insertSQL,
		tx.ID, tx.MerchantRefNum, tx.Amount, tx.Status, tx.PaymentMethod,
		tx.UserID, tx.ThreeDSInfo, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return &tx, nil
}

func (l *PostgresLedger) Update(ctx context.Context, id string, fields UpdateFields) (*models.Transaction, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if err := applyUpdate(current, fields, l.now()); err != nil {
		return nil, err
	}

	// The status guard in the WHERE clause keeps concurrent reconcilers from
	// racing a terminal transition.
	updateSQL := `
		UPDATE transactions
		SET status = $1,
		    fawry_reference = $2,
		    fawry_status = $3,
		    error_message = $4,
		    three_ds_info = $5,
		    updated_at = $6
		WHERE id = $7 AND ($1 = status OR status = 'pending')
	`
	result, err := l.pool.Exec(ctx, updateSQL,
		current.Status, current.FawryReference, current.FawryStatus,
		current.ErrorMessage, current.ThreeDSInfo, current.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrInvalidTransition
	}
	return current, nil
}

func (l *PostgresLedger) MarkCompleted(ctx context.Context, id, reference string) (*models.Transaction, error) {
	fields := UpdateFields{Status: statusPtr(models.StatusCompleted)}
	if reference != "" {
		fields.FawryReference = strPtr(reference)
	}
	return l.Update(ctx, id, fields)
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, id, message, providerStatus string) (*models.Transaction, error) {
	fields := UpdateFields{
		Status:       statusPtr(models.StatusFailed),
		ErrorMessage: strPtr(message),
	}
	if providerStatus != "" {
		fields.FawryStatus = strPtr(providerStatus)
	}
	return l.Update(ctx, id, fields)
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(l.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return tx, nil
}

func (l *PostgresLedger) GetByMerchantRef(ctx context.Context, merchantRefNum string) (*models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE merchant_ref_num = $1`
	tx, err := scanTransaction(l.pool.QueryRow(ctx, query, merchantRefNum))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return tx, nil
}

func (l *PostgresLedger) List(ctx context.Context) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions ORDER BY created_at DESC`
	return l.queryMany(ctx, query)
}

func (l *PostgresLedger) ListByUser(ctx context.Context, userID string) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`
	return l.queryMany(ctx, query, userID)
}

func (l *PostgresLedger) ListByStatus(ctx context.Context, status models.TransactionStatus) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE status = $1 ORDER BY created_at DESC`
	return l.queryMany(ctx, query, string(status))
}

func (l *PostgresLedger) queryMany(ctx context.Context, query string, args ...interface{}) ([]models.Transaction, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := l.now().Add(-olderThan)
	result, err := l.pool.Exec(ctx, `DELETE FROM transactions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clear old transactions: %w", err)
	}
	return int(result.RowsAffected()), nil
}
