// Package ratelimit bounds the rate of named auth actions per client IP.
// Counters live in the key/value store with a TTL equal to the window, so
// a counter "slides" by expiring and restarting. The limiter is consulted
// before any credential work: a denied request never costs a bcrypt hash
// and never reveals whether the target account exists.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/luminachat/lumina/internal/kvstore"
)

// Actions with dedicated limits. Each (action, IP) pair gets its own counter.
const (
	ActionLogin  = "login_failed"
	ActionSignup = "signup"
	ActionForgot = "password_reset_request"
	ActionVerify = "email_verification"
	ActionResend = "resend_verification"
)

// Policy is the limit for one action within a window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// policies holds the per-action limits. Values are fixed policy constants,
// not derived from traffic.
var policies = map[string]Policy{
	ActionLogin:  {Limit: 5, Window: time.Hour},
	ActionSignup: {Limit: 5, Window: time.Hour},
	ActionForgot: {Limit: 3, Window: time.Hour},
	ActionVerify: {Limit: 5, Window: time.Hour},
	ActionResend: {Limit: 3, Window: time.Hour},
}

// Status is a point-in-time view of one counter. Blocked means the counter
// has already reached the limit; checking never mutates the counter.
type Status struct {
	Count      int64
	Limit      int
	Remaining  int64
	Blocked    bool
	RetryAfter time.Duration
}

// Limiter counts events per (action, IP) in the key/value store.
type Limiter struct {
	store kvstore.Store
}

// New creates a limiter backed by the given store.
func New(store kvstore.Store) *Limiter {
	return &Limiter{store: store}
}

// key builds the counter key for an (action, IP) pair.
func key(action, ip string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, ip)
}

// PolicyFor returns the policy for a known action. Unknown actions get a
// conservative default of 5 per hour.
func PolicyFor(action string) Policy {
	if p, ok := policies[action]; ok {
		return p
	}
	return Policy{Limit: 5, Window: time.Hour}
}

// Status reads the current counter without mutating it.
func (l *Limiter) Status(ctx context.Context, action, ip string) (Status, error) {
	p := PolicyFor(action)
	k := key(action, ip)

	var count int64
	data, err := l.store.Get(ctx, k)
	switch err {
	case nil:
		// Counter values are stored by Redis INCR as decimal strings.
		if _, scanErr := fmt.Sscanf(string(data), "%d", &count); scanErr != nil {
			count = 0
		}
	case kvstore.ErrNotFound:
		count = 0
	default:
		return Status{}, fmt.Errorf("reading rate counter: %w", err)
	}

	retryAfter := time.Duration(0)
	blocked := count >= int64(p.Limit)
	if blocked {
		ttl, ttlErr := l.store.TTL(ctx, k)
		if ttlErr == nil && ttl > 0 {
			retryAfter = ttl
		} else {
			retryAfter = p.Window
		}
	}

	remaining := int64(p.Limit) - count
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		Count:      count,
		Limit:      p.Limit,
		Remaining:  remaining,
		Blocked:    blocked,
		RetryAfter: retryAfter,
	}, nil
}

// Hit atomically increments the counter for (action, IP), starting the
// window on the first hit. Returns the post-increment count.
func (l *Limiter) Hit(ctx context.Context, action, ip string) (int64, error) {
	p := PolicyFor(action)
	count, err := l.store.IncrementWithWindow(ctx, key(action, ip), p.Window)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate counter: %w", err)
	}
	return count, nil
}

// Reset clears the counter for (action, IP). Called on a successful login
// to forgive prior failed attempts from that IP.
func (l *Limiter) Reset(ctx context.Context, action, ip string) error {
	if err := l.store.Delete(ctx, key(action, ip)); err != nil {
		return fmt.Errorf("resetting rate counter: %w", err)
	}
	return nil
}
