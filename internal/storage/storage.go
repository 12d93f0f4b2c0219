package storage

import "context"

// Well-known state keys. These names are part of the persisted-state contract
// and must not change without a migration.
const (
	KeyCredentials   = "fawry_credentials"
	KeyRateLimit     = "fawry_rate_limit"
	KeyPendingMarker = "pending_3ds_transaction"
	KeyTransactions  = "frontend_transactions"
)

// Store is a keyed JSON-blob store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get unmarshals the value at key into dest. Returns ErrNotFound if the
	// key does not exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set marshals value and stores it at key, overwriting any existing value.
	Set(ctx context.Context, key string, value interface{}) error

	// SetIfAbsent stores value at key only when the key has no value yet,
	// reporting whether the write happened. The check and the write are a
	// single step; concurrent callers cannot both win the same key.
	SetIfAbsent(ctx context.Context, key string, value interface{}) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
