package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchInserter is the interface used by Collector to persist transactions.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, txns []Transaction) error
}

// MetricsRecorder is an optional interface for recording flush outcomes.
type MetricsRecorder interface {
	IncCollectorFlush(sink, result string)
}

// Collector buffers transactions in memory and periodically flushes them to the
// store in batches. It is safe for concurrent use.
//
// Record never blocks on the database and takes no context, so an attempt
// that has started is recorded even when the caller has gone away.
type Collector struct {
	store         BatchInserter
	buffer        []Transaction
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
	started       bool
	stopOnce      sync.Once
	metrics       MetricsRecorder
	now           func() time.Time
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Collector{
		store:         store,
		buffer:        make([]Transaction, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		now:           time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start begins a background goroutine that flushes buffered transactions on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	defer close(c.stopped)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a transaction to the buffer, assigning an ID and timestamp when
// missing. If the buffer reaches batchSize, a flush is triggered immediately.
func (c *Collector) Record(tx Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = c.now().UTC()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, tx)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.flush()
	}
}

// Pending returns the number of buffered transactions.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains all buffered transactions and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Transaction, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := "ok"
	if err := c.store.BatchInsert(ctx, batch); err != nil {
		result = "error"
		slog.Error("failed to flush metering transactions", "count", len(batch), "error", err)
	}
	if c.metrics != nil {
		c.metrics.IncCollectorFlush("transactions", result)
	}
}

// Stop signals the background goroutine to exit and returns once its final
// flush has been written. Without a running Start it flushes directly. It is
// safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.stopped
		return
	}
	c.flush()
}
