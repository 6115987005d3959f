package storage

import "errors"

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("storage: key not found")

// Store is the shared key/value medium every peer reads and writes.
// Each single-key operation is atomic; nothing spans keys.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	// Remove is idempotent: removing a missing key is not an error.
	Remove(key string) error
	// Keys lists keys starting with prefix; an empty prefix lists all keys.
	Keys(prefix string) ([]string, error)
}
