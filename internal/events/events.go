// Package events publishes gateway lifecycle events to a pub/sub channel.
// Emitting never blocks the request path; when the buffer is full events are
// dropped.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	RouteCompleted = "route.completed"
	TrustUpdated   = "trust.updated"
	BudgetWarning  = "budget.warning"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "trustgate:events"

// Event is a single gateway event.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Sink accepts events. Emit must not block.
type Sink interface {
	Emit(e Event)
}

// Discard drops every event.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Event) {}

// PubSub is the transport a Publisher writes to. kv.Store satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
}

// MetricsRecorder is an optional interface for recording event outcomes.
type MetricsRecorder interface {
	IncEvent(eventType, result string)
}

// Publisher buffers events and publishes them as JSON from a single
// background goroutine.
type Publisher struct {
	ps       PubSub
	channel  string
	queue    chan Event
	metrics  MetricsRecorder
	now      func() time.Time
	done     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewPublisher creates a Publisher with room for buffer pending events.
func NewPublisher(ps PubSub, channel string, buffer int) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		ps:      ps,
		channel: channel,
		queue:   make(chan Event, buffer),
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (p *Publisher) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

// Emit queues e for publication. It drops e when the queue is full.
func (p *Publisher) Emit(e Event) {
	if e.At.IsZero() {
		e.At = p.now().UTC()
	}
	select {
	case p.queue <- e:
	default:
		slog.Warn("event queue full, dropping event", "type", e.Type)
		p.count(e.Type, "dropped")
	}
}

// Start publishes queued events until ctx is cancelled or Stop is called,
// then drains what is left.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	defer close(p.stopped)

	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		case <-ctx.Done():
			p.drain()
			return
		case <-p.done:
			p.drain()
			return
		}
	}
}

// Stop ends Start and waits for its final drain. Without a running Start it
// drains directly. It is safe to call more than once.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.stopped
		return
	}
	p.drain()
}

func (p *Publisher) drain() {
	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		default:
			return
		}
	}
}

func (p *Publisher) publish(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		slog.Error("encoding event", "type", e.Type, "error", err)
		p.count(e.Type, "error")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.ps.Publish(ctx, p.channel, string(msg)); err != nil {
		slog.Warn("publishing event", "type", e.Type, "error", err)
		p.count(e.Type, "error")
		return
	}
	p.count(e.Type, "published")
}

func (p *Publisher) count(eventType, result string) {
	if p.metrics != nil {
		p.metrics.IncEvent(eventType, result)
	}
}
