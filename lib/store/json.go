package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

func z[T any]() T { return *new(T) }

// maxTransitionAttempts bounds how often Transition re-reads a value after
// losing a compare-and-swap race.
const maxTransitionAttempts = 4

// JSON stores values of type T as JSON documents under an optional key prefix.
type JSON[T any] struct {
	Underlying Interface
	Prefix     string
}

func (j *JSON[T]) key(key string) string {
	if j.Prefix != "" {
		return j.Prefix + key
	}

	return key
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.Underlying.Delete(ctx, j.key(key))
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, error) {
	result, _, err := j.get(ctx, key)
	return result, err
}

func (j *JSON[T]) get(ctx context.Context, key string) (T, []byte, error) {
	data, err := j.Underlying.Get(ctx, j.key(key))
	if err != nil {
		return z[T](), nil, err
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return z[T](), nil, fmt.Errorf("%w: %w", ErrCantDecode, err)
	}

	return result, data, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, value T, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantEncode, err)
	}

	if err := j.Underlying.Set(ctx, j.key(key), data, expiry); err != nil {
		return err
	}

	return nil
}

// Transition applies fn to the stored value and writes the result back with
// a single compare-and-swap against the exact bytes fn was given. If another
// writer changed the value in between, the new value is re-read and fn runs
// again, so fn always decides based on the latest state. An error returned by
// fn aborts the transition and is passed through unchanged.
func (j *JSON[T]) Transition(ctx context.Context, key string, fn func(T) (T, error)) (T, error) {
	for range maxTransitionAttempts {
		current, raw, err := j.get(ctx, key)
		if err != nil {
			return z[T](), err
		}

		next, err := fn(current)
		if err != nil {
			return z[T](), err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return z[T](), fmt.Errorf("%w: %w", ErrCantEncode, err)
		}

		swapped, err := j.Underlying.CompareAndSwap(ctx, j.key(key), raw, data)
		if err != nil {
			return z[T](), err
		}

		if swapped {
			return next, nil
		}
	}

	return z[T](), fmt.Errorf("%w: %q", ErrConflict, key)
}
