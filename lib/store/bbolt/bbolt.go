package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uvensys/aegis/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrNotExists          = errors.New("bbolt: value does not exist in store")
)

var (
	dataKey   = []byte("data")
	expiryKey = []byte("expiry")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value lives in its own bucket with two keys:
//
// 1. data - The raw data, usually in JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// Keeping the expiry next to the data lets the cleanup phase scan expiry
// times without decoding records, and lets CompareAndSwap check liveness and
// contents inside a single read-write transaction. bbolt serializes writers,
// so that transaction is the atomicity boundary.
//
// bbolt is not suitable for environments where multiple instances of Aegis
// need to share challenges and tokens. For that, use the valkey storage
// backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// liveData returns the data of a value bucket if it has not expired yet.
func liveData(itemBucket *bbolt.Bucket, key string, now time.Time) ([]byte, error) {
	if itemBucket == nil {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	expiryStr := itemBucket.Get(expiryKey)
	if expiryStr == nil {
		return nil, fmt.Errorf("[unexpected] %w: %q (expiry is nil)", store.ErrNotFound, key)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return nil, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	if now.After(expiry) {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	data := itemBucket.Get(dataKey)
	if data == nil {
		return nil, fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
	}

	return data, nil
}

// Get a value from the datastore. Expired values are deleted in the background
// and reported as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	expired := false

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		data, err := liveData(itemBucket, key, time.Now())
		if err != nil {
			expired = itemBucket != nil && errors.Is(err, store.ErrNotFound)
			return err
		}

		// bbolt memory is only valid for the life of the transaction.
		result = bytes.Clone(data)
		return nil
	}); err != nil {
		if expired {
			go s.Delete(context.Background(), key)
		}
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
		}

		if err := valueBkt.Put(expiryKey, []byte(expires.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
		}

		if err := valueBkt.Put(dataKey, value); err != nil {
			return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
		}

		return nil
	})
}

// CompareAndSwap replaces the data of key with new if it currently equals
// old. The expiry key is left alone.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	swapped := false

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		data, err := liveData(itemBucket, key, time.Now())
		if err != nil {
			return err
		}

		if !bytes.Equal(data, old) {
			return nil
		}

		if err := itemBucket.Put(dataKey, new); err != nil {
			return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
		}

		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return swapped, nil
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expiryStr := valueBkt.Get(expiryKey)
			if expiryStr == nil {
				slog.Warn("while running cleanup, expiry is not set somehow, file a bug?", "key", string(key))
				return nil
			}

			expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
			if err != nil {
				return fmt.Errorf("[unexpected] %w in bucket %q: %w", store.ErrCantDecode, string(key), err)
			}

			if now.After(expiry) {
				expired = append(expired, bytes.Clone(key))
			}

			return nil
		}); err != nil {
			return err
		}

		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("error closing bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
