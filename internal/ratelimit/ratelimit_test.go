package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminachat/lumina/internal/kvstore"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(kvstore.New(rdb)), mr
}

func TestStatus_FreshCounter(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	status, err := limiter.Status(context.Background(), ActionLogin, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Count)
	assert.Equal(t, 5, status.Limit)
	assert.Equal(t, int64(5), status.Remaining)
	assert.False(t, status.Blocked)
}

func TestStatus_DoesNotMutate(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := limiter.Status(ctx, ActionLogin, "203.0.113.7")
		require.NoError(t, err)
	}

	status, err := limiter.Status(ctx, ActionLogin, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Count, "Status must never count as an attempt")
}

func TestHitUntilBlocked(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		count, err := limiter.Hit(ctx, ActionLogin, "203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}

	status, err := limiter.Status(ctx, ActionLogin, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, int64(0), status.Remaining)
	assert.Greater(t, status.RetryAfter, time.Duration(0))
}

func TestWindowExpiryUnblocks(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Hit(ctx, ActionLogin, "203.0.113.7")
		require.NoError(t, err)
	}

	mr.FastForward(2 * time.Hour)

	status, err := limiter.Status(ctx, ActionLogin, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked, "an expired window must fully unblock")
	assert.Equal(t, int64(0), status.Count)
}

func TestReset(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Hit(ctx, ActionLogin, "203.0.113.7")
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(ctx, ActionLogin, "203.0.113.7"))

	status, err := limiter.Status(ctx, ActionLogin, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, int64(0), status.Count)
}

func TestCountersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Hit(ctx, ActionLogin, "203.0.113.7")
		require.NoError(t, err)
	}

	// Same IP, different action.
	status, err := limiter.Status(ctx, ActionSignup, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, status.Blocked)

	// Same action, different IP.
	status, err = limiter.Status(ctx, ActionLogin, "198.51.100.9")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, Policy{Limit: 5, Window: time.Hour}, PolicyFor(ActionLogin))
	assert.Equal(t, Policy{Limit: 3, Window: time.Hour}, PolicyFor(ActionForgot))
	assert.Equal(t, Policy{Limit: 3, Window: time.Hour}, PolicyFor(ActionResend))
	assert.Equal(t, Policy{Limit: 5, Window: time.Hour}, PolicyFor("unknown_action"))
}
