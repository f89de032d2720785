package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestSetGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "k", []byte("v"), time.Minute))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_MissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_MissingKeyIsNoError(t *testing.T) {
	store, _ := newTestStore(t)

	assert.NoError(t, store.Delete(context.Background(), "nope"))
}

func TestExpiryElapses(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "k", []byte("v"), time.Second))

	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementWithWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	count, err := store.IncrementWithWindow(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = store.IncrementWithWindow(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The TTL attaches on the first increment and subsequent increments do
	// not refresh it, so the window is fixed from the first event.
	ttl := mr.TTL("counter")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(2 * time.Hour)

	count, err = store.IncrementWithWindow(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "counter must restart after the window elapses")
}

func TestExpireExtendsKey(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "session", []byte("blob"), time.Minute))
	require.NoError(t, store.Expire(ctx, "session", time.Hour))

	assert.Greater(t, mr.TTL("session"), time.Minute)
}

func TestTTL(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithExpiry(ctx, "k", []byte("v"), time.Minute))

	ttl, err := store.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	// Missing keys report zero rather than a negative sentinel.
	ttl, err = store.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}
