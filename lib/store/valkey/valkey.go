package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uvensys/aegis/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// compareAndSwap replaces KEYS[1] with ARGV[2] when it holds ARGV[1]. The
// remaining TTL is carried over so a swap never extends a record's life.
//
// Returns 1 when swapped, 0 on mismatch and -1 when the key is missing.
var compareAndSwap = valkey.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
end
return 1
`)

type Store struct {
	rdb *valkey.Client
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: can't delete from valkey: %w", store.ErrUnavailable, err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: %d key(s) deleted", store.ErrNotFound, n)
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("%w: can't fetch from valkey: %w", store.ErrUnavailable, err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if _, err := s.rdb.Set(ctx, key, value, expiry).Result(); err != nil {
		return fmt.Errorf("%w: can't set %q in valkey: %w", store.ErrUnavailable, key, err)
	}

	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	n, err := compareAndSwap.Run(ctx, s.rdb, []string{key}, old, new).Int()
	if err != nil {
		return false, fmt.Errorf("%w: can't swap %q in valkey: %w", store.ErrUnavailable, key, err)
	}

	switch n {
	case -1:
		return false, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	case 1:
		return true, nil
	default:
		return false, nil
	}
}
