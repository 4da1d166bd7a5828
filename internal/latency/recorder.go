// Package latency keeps a rolling window of execution samples per provider
// and periodically folds it back into the provider's stored metrics.
package latency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alecgard/trustgate/internal/kv"
	"github.com/alecgard/trustgate/internal/provider"
)

// Config controls the window size and how often metrics are recomputed.
type Config struct {
	WindowSize     int64
	RecomputeEvery int64
	MinInterval    time.Duration
	TTL            time.Duration
}

// DefaultConfig returns the standard window parameters.
func DefaultConfig() Config {
	return Config{
		WindowSize:     100,
		RecomputeEvery: 20,
		MinInterval:    time.Minute,
		TTL:            7 * 24 * time.Hour,
	}
}

// Sample is one execution outcome.
type Sample struct {
	LatencyMs int64     `json:"ms"`
	Success   bool      `json:"ok"`
	At        time.Time `json:"at"`
}

// MetricsWriter persists recomputed provider metrics and returns the
// provider's category.
type MetricsWriter interface {
	UpdateMetrics(ctx context.Context, id string, m provider.MetricsUpdate) (string, error)
}

// Invalidator drops derived views of a category.
type Invalidator interface {
	Invalidate(ctx context.Context, category string)
}

// MetricsRecorder is an optional interface for recording provider latency.
type MetricsRecorder interface {
	ObserveProviderLatency(providerID string, seconds float64, success bool)
}

// Recorder records samples and recomputes provider metrics.
type Recorder struct {
	store       kv.Store
	writer      MetricsWriter
	invalidator Invalidator
	cfg         Config
	metrics     MetricsRecorder
	now         func() time.Time

	throttles sync.Map // provider id -> *rate.Sometimes
	inflight  sync.WaitGroup
}

// NewRecorder creates a Recorder. invalidator may be nil.
func NewRecorder(store kv.Store, writer MetricsWriter, invalidator Invalidator, cfg Config) *Recorder {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.RecomputeEvery <= 0 {
		cfg.RecomputeEvery = def.RecomputeEvery
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Recorder{
		store:       store,
		writer:      writer,
		invalidator: invalidator,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (r *Recorder) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

func windowKey(providerID string) string  { return "latency:" + providerID }
func pendingKey(providerID string) string { return "latency:" + providerID + ":pending" }

// Record appends a sample to the provider's window. Every RecomputeEvery
// samples, and otherwise at most once per MinInterval, the window is folded
// into the stored metrics. The fold runs in the background so a caller on the
// request path never waits on the database. Errors are logged and never
// returned.
func (r *Recorder) Record(ctx context.Context, providerID string, latencyMs int64, success bool) {
	if r.metrics != nil {
		r.metrics.ObserveProviderLatency(providerID, float64(latencyMs)/1000, success)
	}

	raw, err := json.Marshal(Sample{LatencyMs: latencyMs, Success: success, At: r.now().UTC()})
	if err != nil {
		slog.Error("encoding latency sample", "provider_id", providerID, "error", err)
		return
	}
	if err := r.store.LPushTrim(ctx, windowKey(providerID), string(raw), r.cfg.WindowSize, r.cfg.TTL); err != nil {
		slog.Warn("recording latency sample", "provider_id", providerID, "error", err)
		return
	}
	pending, err := r.store.IncrWithTTL(ctx, pendingKey(providerID), r.cfg.TTL)
	if err != nil {
		slog.Warn("counting latency samples", "provider_id", providerID, "error", err)
		return
	}

	if pending >= r.cfg.RecomputeEvery {
		r.recomputeAsync(ctx, providerID)
		return
	}
	r.throttle(providerID).Do(func() { r.recomputeAsync(ctx, providerID) })
}

func (r *Recorder) recomputeAsync(ctx context.Context, providerID string) {
	bg := context.WithoutCancel(ctx)
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		r.Recompute(bg, providerID)
	}()
}

// Wait blocks until background recomputes started by Record have finished.
func (r *Recorder) Wait() {
	r.inflight.Wait()
}

func (r *Recorder) throttle(providerID string) *rate.Sometimes {
	if s, ok := r.throttles.Load(providerID); ok {
		return s.(*rate.Sometimes)
	}
	s, _ := r.throttles.LoadOrStore(providerID, &rate.Sometimes{Interval: r.cfg.MinInterval})
	return s.(*rate.Sometimes)
}

// Recompute reads the provider's window and writes SuccessRate, AvgLatencyMs,
// the request count since the last recompute and LastSeenAt. The selector
// cache for the provider's category is invalidated afterwards.
func (r *Recorder) Recompute(ctx context.Context, providerID string) {
	samples, err := r.Window(ctx, providerID)
	if err != nil {
		slog.Warn("reading latency window", "provider_id", providerID, "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	delta, err := r.takePending(ctx, providerID)
	if err != nil {
		slog.Warn("reading pending sample count", "provider_id", providerID, "error", err)
	}

	update := Aggregate(samples)
	update.TotalRequestsDelta = delta
	update.LastSeenAt = r.now().UTC()

	category, err := r.writer.UpdateMetrics(ctx, providerID, update)
	if err != nil {
		slog.Error("updating provider metrics", "provider_id", providerID, "error", err)
		return
	}
	slog.Debug("provider metrics recomputed",
		"provider_id", providerID,
		"samples", len(samples),
		"success_rate", update.SuccessRate,
		"avg_latency_ms", update.AvgLatencyMs,
	)
	if r.invalidator != nil && category != "" {
		r.invalidator.Invalidate(ctx, category)
	}
}

func (r *Recorder) takePending(ctx context.Context, providerID string) (int64, error) {
	raw, err := r.store.Get(ctx, pendingKey(providerID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, r.store.Del(ctx, pendingKey(providerID))
}

// Window returns the provider's samples, newest first. Undecodable entries
// are skipped.
func (r *Recorder) Window(ctx context.Context, providerID string) ([]Sample, error) {
	raw, err := r.store.LRange(ctx, windowKey(providerID), r.cfg.WindowSize)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(raw))
	for _, v := range raw {
		var s Sample
		if err := json.Unmarshal([]byte(v), &s); err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Aggregate computes the success rate and mean latency of samples.
func Aggregate(samples []Sample) provider.MetricsUpdate {
	if len(samples) == 0 {
		return provider.MetricsUpdate{}
	}
	var ok, total int64
	for _, s := range samples {
		if s.Success {
			ok++
		}
		total += s.LatencyMs
	}
	n := float64(len(samples))
	return provider.MetricsUpdate{
		SuccessRate:  float64(ok) / n,
		AvgLatencyMs: float64(total) / n,
	}
}
