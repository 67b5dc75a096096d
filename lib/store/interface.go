package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the store implementation cannot find the value
	// for a given key.
	ErrNotFound = errors.New("store: key not found")

	// ErrCantDecode is returned when a store adaptor cannot decode the store format
	// to a value used by the code.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode is returned when a store adaptor cannot encode the value into
	// the format that the store uses.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig is returned when a store adaptor's configuration is invalid.
	ErrBadConfig = errors.New("store: configuration is invalid")

	// ErrConflict is returned when a conditional update keeps losing to
	// concurrent writers.
	ErrConflict = errors.New("store: value changed concurrently")

	// ErrUnavailable is returned when a remote datastore cannot be reached.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Interface defines the calls that Aegis uses for storage in a local or remote
// datastore. This can be implemented with an in-memory, on-disk, or in-database
// storage backend.
type Interface interface {
	// Delete removes a value from the store by key.
	Delete(ctx context.Context, key string) error

	// Get returns the value of a key assuming that value exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set puts a value into the store that expires according to its expiry.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error

	// CompareAndSwap replaces the value of key with new if and only if the
	// current value is byte-for-byte equal to old. The swap is atomic with
	// respect to every other call on the same key and keeps the key's expiry.
	// It returns ErrNotFound if the key does not exist or has expired, and
	// (false, nil) if the current value is not old.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
}
