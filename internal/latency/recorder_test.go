package latency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/trustgate/internal/kv"
	"github.com/alecgard/trustgate/internal/provider"
)

type fakeWriter struct {
	mu      sync.Mutex
	updates map[string][]provider.MetricsUpdate
	err     error
}

func (w *fakeWriter) UpdateMetrics(_ context.Context, id string, m provider.MetricsUpdate) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	if w.updates == nil {
		w.updates = map[string][]provider.MetricsUpdate{}
	}
	w.updates[id] = append(w.updates[id], m)
	return "weather", nil
}

type fakeInvalidator struct {
	mu         sync.Mutex
	categories []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories = append(f.categories, category)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(cfg Config) (*Recorder, *fakeWriter, *fakeInvalidator) {
	w := &fakeWriter{}
	inv := &fakeInvalidator{}
	r := NewRecorder(kv.NewMemory(func() time.Time { return testNow }), w, inv, cfg)
	r.SetClock(func() time.Time { return testNow })
	return r, w, inv
}

func TestAggregate(t *testing.T) {
	got := Aggregate([]Sample{
		{LatencyMs: 100, Success: true},
		{LatencyMs: 300, Success: false},
		{LatencyMs: 200, Success: true},
		{LatencyMs: 400, Success: true},
	})
	assert.Equal(t, 0.75, got.SuccessRate)
	assert.Equal(t, 250.0, got.AvgLatencyMs)

	assert.Equal(t, provider.MetricsUpdate{}, Aggregate(nil))
}

func TestRecordWindowIsCapped(t *testing.T) {
	r, _, _ := newTestRecorder(Config{WindowSize: 5, RecomputeEvery: 1000, MinInterval: time.Hour})
	ctx := context.Background()

	for i := int64(1); i <= 8; i++ {
		r.Record(ctx, "prov-1", i*10, true)
	}

	samples, err := r.Window(ctx, "prov-1")
	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, int64(80), samples[0].LatencyMs, "newest first")
	assert.Equal(t, int64(40), samples[4].LatencyMs)
}

func TestRecordRecomputesEveryN(t *testing.T) {
	r, w, inv := newTestRecorder(Config{RecomputeEvery: 3, MinInterval: time.Hour})
	ctx := context.Background()

	// The first sample always passes the interval throttle.
	r.Record(ctx, "prov-1", 100, true)
	r.Wait()
	require.Len(t, w.updates["prov-1"], 1)
	assert.Equal(t, int64(1), w.updates["prov-1"][0].TotalRequestsDelta)

	r.Record(ctx, "prov-1", 200, false)
	r.Record(ctx, "prov-1", 300, true)
	r.Wait()
	assert.Len(t, w.updates["prov-1"], 1, "throttled until the pending count reaches 3")

	r.Record(ctx, "prov-1", 400, true)
	r.Wait()
	require.Len(t, w.updates["prov-1"], 2)

	last := w.updates["prov-1"][1]
	assert.Equal(t, int64(3), last.TotalRequestsDelta)
	assert.Equal(t, 0.75, last.SuccessRate)
	assert.Equal(t, 250.0, last.AvgLatencyMs)
	assert.True(t, last.LastSeenAt.Equal(testNow))
	assert.Equal(t, []string{"weather", "weather"}, inv.categories)
}

func TestRecomputeEmptyWindowIsNoop(t *testing.T) {
	r, w, inv := newTestRecorder(DefaultConfig())
	r.Recompute(context.Background(), "prov-1")
	assert.Empty(t, w.updates)
	assert.Empty(t, inv.categories)
}

func TestRecomputeWriteErrorSkipsInvalidate(t *testing.T) {
	r, w, inv := newTestRecorder(DefaultConfig())
	w.err = errors.New("db down")

	r.Record(context.Background(), "prov-1", 100, true)
	r.Wait()
	assert.Empty(t, inv.categories)
}

// blockingWriter holds UpdateMetrics until release is closed.
type blockingWriter struct {
	fakeWriter
	release chan struct{}
}

func (w *blockingWriter) UpdateMetrics(ctx context.Context, id string, m provider.MetricsUpdate) (string, error) {
	<-w.release
	return w.fakeWriter.UpdateMetrics(ctx, id, m)
}

func TestRecordDoesNotWaitForRecompute(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	r := NewRecorder(kv.NewMemory(func() time.Time { return testNow }), w, nil, Config{RecomputeEvery: 1})
	r.SetClock(func() time.Time { return testNow })

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		r.Record(ctx, "prov-1", 100, true)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on the metrics write")
	}

	// The recompute outlives the caller's context.
	cancel()
	close(w.release)
	r.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.updates["prov-1"], 1)
}

type latencyObserver struct{ seconds []float64 }

func (o *latencyObserver) ObserveProviderLatency(_ string, s float64, _ bool) {
	o.seconds = append(o.seconds, s)
}

func TestRecordObservesLatency(t *testing.T) {
	r, _, _ := newTestRecorder(DefaultConfig())
	o := &latencyObserver{}
	r.SetMetrics(o)

	r.Record(context.Background(), "prov-1", 1500, true)
	assert.Equal(t, []float64{1.5}, o.seconds)
}
