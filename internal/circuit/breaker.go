// Package circuit implements a per-provider circuit breaker whose state lives
// in the shared kv store, so every gateway replica sees the same circuits.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alecgard/trustgate/internal/kv"
)

// State is the position of a circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Record is the persisted circuit state of one provider. An absent record
// means the circuit is closed with no failures.
type Record struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	TrialAt     time.Time `json:"trial_at,omitempty"`
}

// Config controls breaker thresholds.
type Config struct {
	Threshold int
	Cooldown  time.Duration
	RecordTTL time.Duration
}

// DefaultConfig opens after three consecutive failures and allows a probe
// after five minutes.
var DefaultConfig = Config{
	Threshold: 3,
	Cooldown:  5 * time.Minute,
	RecordTTL: time.Hour,
}

// MetricsRecorder is an optional interface for recording circuit transitions.
type MetricsRecorder interface {
	IncCircuitTransition(to string)
}

// Breaker tracks provider health. It is safe for concurrent use; all state is
// in the store.
type Breaker struct {
	store   kv.Store
	cfg     Config
	now     func() time.Time
	metrics MetricsRecorder
}

// New creates a Breaker. Zero-valued config fields take their defaults.
func New(store kv.Store, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig.Cooldown
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultConfig.RecordTTL
	}
	return &Breaker{store: store, cfg: cfg, now: time.Now}
}

// SetMetrics sets the optional metrics recorder.
func (b *Breaker) SetMetrics(m MetricsRecorder) {
	b.metrics = m
}

// SetClock overrides the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.now = now
}

func key(providerID string) string {
	return "circuit:" + providerID
}

// State returns the current record for a provider without changing it.
func (b *Breaker) State(ctx context.Context, providerID string) (Record, error) {
	raw, err := b.store.Get(ctx, key(providerID))
	if errors.Is(err, kv.ErrNotFound) {
		return Record{State: Closed}, nil
	}
	if err != nil {
		return Record{State: Closed}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{State: Closed}, err
	}
	if rec.State == "" {
		rec.State = Closed
	}
	return rec, nil
}

// IsOpen reports whether requests to the provider should be skipped. An open
// circuit whose cooldown has elapsed moves to half-open and admits exactly one
// trial call; further calls are skipped until that trial records an outcome,
// or until another cooldown passes without one. Store errors fail open, i.e.
// the provider is treated as healthy.
func (b *Breaker) IsOpen(ctx context.Context, providerID string) bool {
	rec, err := b.State(ctx, providerID)
	if err != nil {
		slog.Warn("circuit state unavailable", "provider_id", providerID, "error", err)
		return false
	}

	now := b.now()
	switch rec.State {
	case Open:
		if now.Sub(rec.LastFailure) <= b.cfg.Cooldown {
			return true
		}
		rec.State = HalfOpen
		rec.TrialAt = now
		if err := b.save(ctx, providerID, rec); err != nil {
			slog.Warn("saving half-open circuit", "provider_id", providerID, "error", err)
		}
		b.transition(HalfOpen)
		return false
	case HalfOpen:
		if !rec.TrialAt.IsZero() && now.Sub(rec.TrialAt) <= b.cfg.Cooldown {
			return true
		}
		rec.TrialAt = now
		if err := b.save(ctx, providerID, rec); err != nil {
			slog.Warn("saving half-open trial", "provider_id", providerID, "error", err)
		}
		return false
	default:
		return false
	}
}

// Blocked is the read-only counterpart of IsOpen: it never moves a circuit
// to half-open and never claims the trial call.
func (b *Breaker) Blocked(ctx context.Context, providerID string) bool {
	rec, err := b.State(ctx, providerID)
	if err != nil {
		return false
	}
	now := b.now()
	switch rec.State {
	case Open:
		return now.Sub(rec.LastFailure) <= b.cfg.Cooldown
	case HalfOpen:
		return !rec.TrialAt.IsZero() && now.Sub(rec.TrialAt) <= b.cfg.Cooldown
	default:
		return false
	}
}

// RecordFailure counts a failed call. A half-open circuit reopens
// immediately; a closed circuit opens once the threshold is reached.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string) {
	rec, err := b.State(ctx, providerID)
	if err != nil {
		slog.Warn("circuit state unavailable", "provider_id", providerID, "error", err)
		rec = Record{State: Closed}
	}

	rec.Failures++
	rec.LastFailure = b.now()

	prev := rec.State
	rec.TrialAt = time.Time{}
	switch {
	case rec.State == HalfOpen:
		rec.State = Open
	case rec.State == Closed && rec.Failures >= b.cfg.Threshold:
		rec.State = Open
	}

	if err := b.save(ctx, providerID, rec); err != nil {
		slog.Warn("saving circuit failure", "provider_id", providerID, "error", err)
		return
	}
	if rec.State != prev {
		slog.Info("circuit opened", "provider_id", providerID, "failures", rec.Failures)
		b.transition(rec.State)
	}
}

// RecordSuccess closes the circuit and clears its failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) {
	if err := b.store.Del(ctx, key(providerID)); err != nil {
		slog.Warn("clearing circuit", "provider_id", providerID, "error", err)
	}
}

func (b *Breaker) save(ctx context.Context, providerID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, key(providerID), string(data), b.cfg.RecordTTL)
}

func (b *Breaker) transition(to State) {
	if b.metrics != nil {
		b.metrics.IncCircuitTransition(string(to))
	}
}
