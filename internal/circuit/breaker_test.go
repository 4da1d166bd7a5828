package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/trustgate/internal/kv"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type countingMetrics struct{ transitions map[string]int }

func (m *countingMetrics) IncCircuitTransition(to string) { m.transitions[to]++ }

func newTestBreaker() (*Breaker, *fakeClock, *countingMetrics) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemory(clock.now)
	b := New(store, Config{})
	b.SetClock(clock.now)
	m := &countingMetrics{transitions: map[string]int{}}
	b.SetMetrics(m)
	return b, clock, m
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _, m := newTestBreaker()

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx, "p1")
		assert.False(t, b.IsOpen(ctx, "p1"), "open after %d failures", i+1)
	}
	b.RecordFailure(ctx, "p1")
	assert.True(t, b.IsOpen(ctx, "p1"))

	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.State)
	assert.Equal(t, 3, rec.Failures)
	assert.Equal(t, 1, m.transitions["open"])
}

func TestBreakerSuccessResets(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker()

	b.RecordFailure(ctx, "p1")
	b.RecordFailure(ctx, "p1")
	b.RecordSuccess(ctx, "p1")
	b.RecordFailure(ctx, "p1")
	b.RecordFailure(ctx, "p1")

	assert.False(t, b.IsOpen(ctx, "p1"))
	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Failures)
}

func TestBreakerCooldownHalfOpen(t *testing.T) {
	ctx := context.Background()
	b, clock, m := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	clock.advance(4 * time.Minute)
	assert.True(t, b.IsOpen(ctx, "p1"))

	clock.advance(2 * time.Minute)
	assert.False(t, b.IsOpen(ctx, "p1"))

	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, HalfOpen, rec.State)
	assert.Equal(t, 1, m.transitions["half-open"])

	// A single failure while half-open reopens the circuit.
	b.RecordFailure(ctx, "p1")
	assert.True(t, b.IsOpen(ctx, "p1"))
	assert.Equal(t, 2, m.transitions["open"])
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	clock.advance(6 * time.Minute)
	require.False(t, b.IsOpen(ctx, "p1"))

	b.RecordSuccess(ctx, "p1")
	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Record{State: Closed}, rec)
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	ctx := context.Background()
	b, clock, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	clock.advance(6 * time.Minute)

	assert.False(t, b.IsOpen(ctx, "p1"), "first call after cooldown is the trial")
	assert.True(t, b.IsOpen(ctx, "p1"), "trial is outstanding")
	assert.True(t, b.Blocked(ctx, "p1"))

	// A trial that never reports back is re-offered after another cooldown.
	clock.advance(6 * time.Minute)
	assert.False(t, b.IsOpen(ctx, "p1"))
	assert.True(t, b.IsOpen(ctx, "p1"))

	b.RecordFailure(ctx, "p1")
	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.State)
	assert.True(t, rec.TrialAt.IsZero())
}

func TestBreakerBlockedDoesNotTransition(t *testing.T) {
	ctx := context.Background()
	b, clock, m := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	assert.True(t, b.Blocked(ctx, "p1"))

	clock.advance(6 * time.Minute)
	assert.False(t, b.Blocked(ctx, "p1"))
	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Open, rec.State)
	assert.Zero(t, m.transitions["half-open"])

	assert.False(t, b.IsOpen(ctx, "p1"))
}

func TestBreakerIndependentProviders(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	assert.True(t, b.IsOpen(ctx, "p1"))
	assert.False(t, b.IsOpen(ctx, "p2"))
}

type failingStore struct{ kv.Store }

func (failingStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestBreakerFailsOpenOnStoreError(t *testing.T) {
	b := New(failingStore{kv.NewMemory(time.Now)}, DefaultConfig)
	assert.False(t, b.IsOpen(context.Background(), "p1"))
}

func TestBreakerRecordExpires(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New(kv.NewMemory(clock.now), Config{RecordTTL: 10 * time.Minute})
	b.SetClock(clock.now)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "p1")
	}
	clock.advance(11 * time.Minute)

	rec, err := b.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, Closed, rec.State)
	assert.Zero(t, rec.Failures)
}
