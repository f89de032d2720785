// Package kvstore wraps Redis behind a small TTL key/value contract.
// Sessions, token mirrors, and rate-limit counters all live here. Absence
// of a key means "not currently usable", never "never existed" -- the
// authoritative state for users is always the users table.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist or its TTL
// has elapsed.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the TTL key/value contract consumed by the auth service and the
// rate limiter. Implemented by redisStore; tests substitute miniredis
// through the same Redis client.
type Store interface {
	// SetWithExpiry stores value under key with the given TTL.
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrementWithWindow atomically increments the counter at key and,
	// when this is the first increment of a window, sets its TTL. Returns
	// the post-increment count. The increment and the TTL set execute as
	// one Lua script so concurrent callers cannot leave an immortal key.
	IncrementWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Expire resets the TTL of an existing key. Used to extend sessions.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key. Returns 0 when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// incrWithWindowScript increments a counter and attaches the window TTL on
// the first increment only. Running server-side makes increment-and-expire
// atomic under concurrent requests from the same IP.
var incrWithWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// redisStore implements Store on a go-redis client.
type redisStore struct {
	rdb *redis.Client
}

// New creates a Store backed by the given Redis client.
func New(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *redisStore) IncrementWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWithWindowScript.Run(ctx, s.rdb, []string{key}, int(window.Seconds())).Int64()
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports -1 (no expiry) and -2 (missing key) as negative durations.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
