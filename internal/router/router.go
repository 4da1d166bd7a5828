// Package router drives a routed request: it asks the selector for a ranked
// candidate list, executes against the winner and falls back through healthy
// candidates until one succeeds, feeding every outcome back into the circuit
// breaker, latency window, metering and reputation sinks.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/circuit"
	"github.com/alecgard/trustgate/internal/events"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/metering"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/reputation"
	"github.com/alecgard/trustgate/internal/selector"
	"github.com/alecgard/trustgate/internal/settlement"
	"github.com/alecgard/trustgate/internal/trust"
)

// DefaultMaxRetries is the number of fallback attempts after the winner.
const DefaultMaxRetries = 2

// Selector picks a provider and its ranked alternatives.
type Selector interface {
	SelectProvider(ctx context.Context, req selector.SelectRequest) (*selector.Selection, error)
}

// Executor runs and settles a single provider call.
type Executor interface {
	Execute(ctx context.Context, agentID string, p *provider.Provider, payload json.RawMessage, feePct float64) (*settlement.ExecutionResult, error)
}

// TransactionRecorder is the interface for recording attempts.
type TransactionRecorder interface {
	Record(tx metering.Transaction)
}

// LatencyRecorder is the interface for feeding call outcomes back into
// provider metrics.
type LatencyRecorder interface {
	Record(ctx context.Context, providerID string, latencyMs int64, success bool)
}

// BudgetSpender increments the spend of an agent budget.
type BudgetSpender interface {
	IncrementSpend(ctx context.Context, id string, amount float64) (*account.Budget, error)
}

// ReputationSink accepts reputation updates without blocking.
type ReputationSink interface {
	Enqueue(u reputation.Update)
}

// MetricsRecorder is an optional interface for recording routing metrics.
type MetricsRecorder interface {
	IncRouteAttempt(category, result string)
	IncRouteOutcome(category, outcome string)
}

// RouteRequest is one routed call.
type RouteRequest struct {
	Category    string
	AgentID     string
	AccountID   string
	Preferences selector.Preferences
	Weights     *trust.Weights
	BudgetID    string
	Payload     json.RawMessage
	FeePct      float64
}

// RouteResult is the outcome of a successful Route.
type RouteResult struct {
	Provider   *provider.Provider `json:"provider"`
	Result     json.RawMessage    `json:"result"`
	Payment    settlement.Payment `json:"payment"`
	LatencyMs  int64              `json:"latency_ms"`
	Attempt    int                `json:"attempt"`
	Reason     string             `json:"reason"`
	Candidates []string           `json:"candidates"`
}

// Router executes routed requests.
type Router struct {
	selector   Selector
	executor   Executor
	breaker    *circuit.Breaker
	collector  TransactionRecorder
	latency    LatencyRecorder
	budgets    BudgetSpender
	reputation ReputationSink
	events     events.Sink
	metrics    MetricsRecorder
	maxRetries int
	now        func() time.Time
	tracer     trace.Tracer
}

// New creates a Router. The latency, budget, reputation and event sinks are
// optional and set separately.
func New(sel Selector, exec Executor, breaker *circuit.Breaker, collector TransactionRecorder) *Router {
	return &Router{
		selector:   sel,
		executor:   exec,
		breaker:    breaker,
		collector:  collector,
		events:     events.Discard{},
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		tracer:     otel.Tracer("github.com/alecgard/trustgate/internal/router"),
	}
}

// SetLatencyRecorder sets the optional latency recorder.
func (r *Router) SetLatencyRecorder(l LatencyRecorder) {
	r.latency = l
}

// SetBudgetSpender sets the optional budget store.
func (r *Router) SetBudgetSpender(b BudgetSpender) {
	r.budgets = b
}

// SetReputationSink sets the optional reputation queue.
func (r *Router) SetReputationSink(s ReputationSink) {
	r.reputation = s
}

// SetEventSink sets the sink for route.completed events.
func (r *Router) SetEventSink(s events.Sink) {
	if s == nil {
		s = events.Discard{}
	}
	r.events = s
}

// SetMetrics sets the optional metrics recorder.
func (r *Router) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// SetMaxRetries overrides the number of fallback attempts.
func (r *Router) SetMaxRetries(n int) {
	if n >= 0 {
		r.maxRetries = n
	}
}

// SetClock overrides the time source.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Route selects a provider for req and executes against it, falling back to
// the next healthy candidate on failure. It returns a NoProvidersError when
// nothing qualifies and a ProviderExhaustedError when every attempt failed.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("route.category", req.Category),
		attribute.String("agent.id", req.AgentID),
	))
	defer span.End()

	sel, err := r.selector.SelectProvider(ctx, selector.SelectRequest{
		Category:    req.Category,
		AgentID:     req.AgentID,
		Preferences: req.Preferences,
		Weights:     req.Weights,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "selection failed")
		return nil, fmt.Errorf("selecting provider: %w", err)
	}
	if sel == nil || len(sel.Candidates) == 0 {
		r.outcome(req.Category, "no_providers")
		return nil, &gwerr.NoProvidersError{Category: req.Category}
	}

	candidateIDs := make([]string, len(sel.Candidates))
	for i, c := range sel.Candidates {
		candidateIDs[i] = c.Provider.ID
	}

	tried := make(map[string]bool, r.maxRetries+1)
	current := sel.Winner
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			next, ok := circuit.SelectFallback(ctx, r.breaker, sel.Candidates, tried)
			if !ok {
				break
			}
			current = next
		}
		tried[current.Provider.ID] = true
		attempts++

		res, latencyMs, err := r.attempt(ctx, req, current.Provider, attempt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.outcome(req.Category, "canceled")
				span.SetStatus(codes.Error, "caller gone")
				return nil, fmt.Errorf("routing %s: %w", req.Category, ctxErr)
			}
			lastErr = err
			continue
		}

		r.outcome(req.Category, "success")
		span.SetAttributes(
			attribute.String("provider.id", current.Provider.ID),
			attribute.Int("route.attempt", attempt),
		)
		reason := sel.Reason
		if attempt > 0 {
			reason = fmt.Sprintf("fallback after %d failed attempt(s); %s", attempt, reasonFor(current))
		}
		return &RouteResult{
			Provider:   current.Provider,
			Result:     res.Data,
			Payment:    res.Payment,
			LatencyMs:  latencyMs,
			Attempt:    attempt,
			Reason:     reason,
			Candidates: candidateIDs,
		}, nil
	}

	r.outcome(req.Category, "exhausted")
	exhausted := &gwerr.ProviderExhaustedError{Category: req.Category, Attempts: attempts, LastErr: lastErr}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "providers exhausted")
	return nil, exhausted
}

// attempt executes one provider call and records its outcome. Bookkeeping
// writes run on a context detached from cancellation so an aborted call is
// still accounted for.
func (r *Router) attempt(ctx context.Context, req RouteRequest, p *provider.Provider, attempt int) (*settlement.ExecutionResult, int64, error) {
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("provider.id", p.ID),
		attribute.Int("route.attempt", attempt),
	))
	defer span.End()

	start := r.now()
	res, err := r.executor.Execute(ctx, req.AgentID, p, req.Payload, req.FeePct)
	latencyMs := r.now().Sub(start).Milliseconds()

	bg := context.WithoutCancel(ctx)
	tx := metering.Transaction{
		AgentID:    req.AgentID,
		AccountID:  req.AccountID,
		Category:   req.Category,
		ProviderID: p.ID,
		Attempt:    attempt,
		LatencyMs:  latencyMs,
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")

		// A caller that went away says nothing about the provider, so only
		// the transaction is written.
		canceled := ctx.Err() != nil
		if !canceled {
			r.breaker.RecordFailure(bg, p.ID)
			if r.latency != nil {
				r.latency.Record(bg, p.ID, latencyMs, false)
			}
		}
		tx.PaymentStatus = settlement.StatusFailed
		tx.ErrorCode = errorCode(err)
		if canceled {
			tx.ErrorCode = errorCode(ctx.Err())
		}
		tx.ErrorMessage = err.Error()
		var se *gwerr.SettlementError
		if errors.As(err, &se) {
			tx.TxHash = se.TxHash
			tx.PaymentMode = settlement.ModeDirect
		}
		r.record(tx)
		r.attemptMetric(req.Category, "failure")

		slog.Warn("provider attempt failed",
			"category", req.Category,
			"provider_id", p.ID,
			"attempt", attempt,
			"error_code", tx.ErrorCode,
			"error", err,
		)
		return nil, latencyMs, err
	}

	r.breaker.RecordSuccess(bg, p.ID)
	if r.latency != nil {
		r.latency.Record(bg, p.ID, latencyMs, true)
	}

	pay := res.Payment
	tx.Success = true
	tx.ProviderCost = pay.Cost.ProviderCost
	tx.RoutingFee = pay.Cost.RoutingFee
	tx.GasCost = pay.Cost.GasCost
	tx.TotalCost = pay.Cost.Total
	tx.PaymentMode = pay.Mode
	tx.PaymentStatus = pay.Status
	tx.TxHash = pay.TxHash
	r.record(tx)
	r.attemptMetric(req.Category, "success")

	if req.BudgetID != "" && r.budgets != nil && pay.Billable() {
		if _, err := r.budgets.IncrementSpend(bg, req.BudgetID, pay.Cost.Total); err != nil {
			slog.Error("incrementing budget spend",
				"budget_id", req.BudgetID,
				"amount", pay.Cost.Total,
				"error", err,
			)
		}
	}

	if r.reputation != nil {
		r.reputation.Enqueue(reputation.Update{
			ProviderID: p.ID,
			AgentID:    req.AgentID,
			Kind:       reputation.KindInteraction,
			Positive:   true,
			Delta:      1,
		})
	}

	r.events.Emit(events.Event{
		Type: events.RouteCompleted,
		Data: map[string]any{
			"category":       req.Category,
			"agent_id":       req.AgentID,
			"provider_id":    p.ID,
			"attempt":        attempt,
			"latency_ms":     latencyMs,
			"payment_mode":   pay.Mode,
			"payment_status": pay.Status,
			"total_cost":     pay.Cost.Total,
		},
	})

	return res, latencyMs, nil
}

func (r *Router) record(tx metering.Transaction) {
	if r.collector != nil {
		r.collector.Record(tx)
	}
}

func (r *Router) attemptMetric(category, result string) {
	if r.metrics != nil {
		r.metrics.IncRouteAttempt(category, result)
	}
}

func (r *Router) outcome(category, outcome string) {
	if r.metrics != nil {
		r.metrics.IncRouteOutcome(category, outcome)
	}
}

// errorCode classifies an attempt failure for the transaction record.
func errorCode(err error) string {
	var coded gwerr.Coded
	switch {
	case errors.As(err, &coded):
		return coded.Code()
	case errors.Is(err, settlement.ErrOvercharge):
		return "overcharge"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider_error"
	}
}

func reasonFor(sp selector.ScoredProvider) string {
	return fmt.Sprintf("trust score %.2f", sp.Trust.Total)
}
