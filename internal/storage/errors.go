package storage

import "errors"

// ErrNotFound is returned by Store.Get when the key has no value.
var ErrNotFound = errors.New("storage: key not found")
