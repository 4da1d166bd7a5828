// Package reputation forwards provider reputation signals to an external
// ledger. Enqueue never blocks and never fails the caller; updates are
// flushed in batches on a size threshold or a timer.
package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Update kinds.
const (
	KindInteraction = "interaction"
	KindFeedback    = "feedback"
)

// Update is one reputation signal for a provider.
type Update struct {
	ProviderID string    `json:"provider_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Kind       string    `json:"kind"`
	Positive   bool      `json:"positive"`
	Score      float64   `json:"score,omitempty"`
	Delta      int       `json:"delta"`
	At         time.Time `json:"at"`
}

// Ledger persists a batch of reputation updates.
type Ledger interface {
	Append(ctx context.Context, updates []Update) error
}

// MetricsRecorder is an optional interface for recording flush outcomes.
type MetricsRecorder interface {
	IncCollectorFlush(sink, result string)
}

// Queue buffers updates and flushes them to a Ledger.
type Queue struct {
	ledger        Ledger
	mu            sync.Mutex
	buffer        []Update
	maxBuffer     int
	batchSize     int
	flushInterval time.Duration
	flushing      sync.Mutex
	done          chan struct{}
	stopped       chan struct{}
	started       bool
	stopOnce      sync.Once
	metrics       MetricsRecorder
	now           func() time.Time
}

// NewQueue creates a Queue that flushes when batchSize updates are buffered
// or every flushInterval. At most maxBuffer updates are held; beyond that new
// updates are dropped.
func NewQueue(ledger Ledger, batchSize, maxBuffer int, flushInterval time.Duration) *Queue {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxBuffer < batchSize {
		maxBuffer = batchSize * 10
	}
	return &Queue{
		ledger:        ledger,
		buffer:        make([]Update, 0, batchSize),
		maxBuffer:     maxBuffer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		now:           time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (q *Queue) SetMetrics(m MetricsRecorder) {
	q.metrics = m
}

// Enqueue adds u to the buffer. Reaching batchSize triggers a flush in the
// background so the caller is not held up by the ledger.
func (q *Queue) Enqueue(u Update) {
	if u.At.IsZero() {
		u.At = q.now().UTC()
	}

	q.mu.Lock()
	if len(q.buffer) >= q.maxBuffer {
		q.mu.Unlock()
		slog.Warn("reputation queue full, dropping update", "provider_id", u.ProviderID, "kind", u.Kind)
		q.count("dropped")
		return
	}
	q.buffer = append(q.buffer, u)
	shouldFlush := len(q.buffer) >= q.batchSize
	q.mu.Unlock()

	if shouldFlush {
		go q.Flush()
	}
}

// Start flushes on a timer until ctx is cancelled or Stop is called, then
// performs a final flush.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()
	defer close(q.stopped)

	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Flush()
		case <-ctx.Done():
			q.Flush()
			return
		case <-q.done:
			q.Flush()
			return
		}
	}
}

// Stop signals Start to exit and waits for its final flush. Without a running
// Start it flushes directly. It is safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.stopped
		return
	}
	q.Flush()
}

// Pending returns the number of buffered updates.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Flush writes all buffered updates to the ledger. A failed batch is put
// back at the front of the buffer, subject to maxBuffer.
func (q *Queue) Flush() {
	q.flushing.Lock()
	defer q.flushing.Unlock()

	q.mu.Lock()
	if len(q.buffer) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.buffer
	q.buffer = make([]Update, 0, q.batchSize)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.ledger.Append(ctx, batch); err != nil {
		slog.Error("failed to flush reputation updates", "count", len(batch), "error", err)
		q.count("error")
		q.requeue(batch)
		return
	}
	q.count("ok")
}

func (q *Queue) requeue(batch []Update) {
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := append(batch, q.buffer...)
	if len(merged) > q.maxBuffer {
		merged = merged[len(merged)-q.maxBuffer:]
	}
	q.buffer = merged
}

func (q *Queue) count(result string) {
	if q.metrics != nil {
		q.metrics.IncCollectorFlush("reputation", result)
	}
}
