// Package kv defines the shared low-latency store used by the score cache,
// rate limiter, circuit breaker, latency window, and usage counters. All
// cross-request mutable state lives behind this interface so that gateway
// replicas can share it.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// WindowResult reports the state of a sliding window after a SlidingWindow call.
type WindowResult struct {
	// Count is the number of entries in the window, including the new entry
	// when it was added.
	Count int64
	// Oldest is the timestamp of the oldest entry still inside the window, or
	// the zero time when the window is empty.
	Oldest time.Time
	// Added reports whether the new entry was recorded.
	Added bool
}

// Store is the set of atomic primitives the gateway needs from a shared store.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// IncrWithTTL atomically increments the counter at key and returns the new
	// value. The ttl is applied when the counter is created.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SlidingWindow prunes entries older than window from the sorted set at
	// key, counts what remains and, if the count is below limit, adds member
	// with score now. The set expires after window of inactivity.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int64, member string) (WindowResult, error)
	// LPushTrim prepends value to the list at key and trims it to maxLen.
	LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error
	// LRange returns up to n of the most recently pushed values, newest first.
	LRange(ctx context.Context, key string, n int64) ([]string, error)
	// Publish sends message on channel. Delivery is best-effort.
	Publish(ctx context.Context, channel, message string) error
}
