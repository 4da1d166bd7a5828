// Package ratelimit enforces per-account and per-IP request limits with a
// sliding window kept in the shared store, so every gateway replica sees the
// same counts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/trustgate/internal/kv"
)

// Key kinds.
const (
	KindAccount = "account"
	KindIP      = "ip"
)

// Key identifies a rate-limited principal. Limit overrides the default for
// its kind when positive.
type Key struct {
	Kind  string
	ID    string
	Limit int
}

func (k Key) storeKey() string {
	return fmt.Sprintf("ratelimit:%s:%s", k.Kind, k.ID)
}

// Decision is the outcome of an Allow call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Config holds the default limits.
type Config struct {
	AccountLimit int
	IPLimit      int
	Window       time.Duration
}

// DefaultConfig returns 300 requests per minute per account and 60 per IP.
func DefaultConfig() Config {
	return Config{AccountLimit: 300, IPLimit: 60, Window: time.Minute}
}

// Limiter implements a sliding-window rate limiter keyed by account or IP.
type Limiter struct {
	store kv.Store
	cfg   Config
	now   func() time.Time // injectable clock for testing
}

// New creates a Limiter backed by store.
func New(store kv.Store, cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.AccountLimit <= 0 {
		cfg.AccountLimit = def.AccountLimit
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = def.IPLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// limitFor returns the key's override if positive, otherwise the default for
// its kind.
func (l *Limiter) limitFor(k Key) int64 {
	if k.Limit > 0 {
		return int64(k.Limit)
	}
	if k.Kind == KindIP {
		return int64(l.cfg.IPLimit)
	}
	return int64(l.cfg.AccountLimit)
}

// Allow records a request for key if it fits in the window. On a store error
// the returned Decision still carries the limit, and the caller decides
// whether to fail open.
func (l *Limiter) Allow(ctx context.Context, key Key) (Decision, error) {
	limit := l.limitFor(key)
	now := l.now()
	d := Decision{Limit: limit, Remaining: limit, ResetAt: now.Add(l.cfg.Window)}

	res, err := l.store.SlidingWindow(ctx, key.storeKey(), now, l.cfg.Window, limit, uuid.NewString())
	if err != nil {
		return d, fmt.Errorf("checking rate window: %w", err)
	}

	d.Allowed = res.Added
	d.Remaining = max(0, limit-res.Count)
	if !res.Oldest.IsZero() {
		d.ResetAt = res.Oldest.Add(l.cfg.Window)
	}
	return d, nil
}
