// Package settlement executes a provider call and pays for it. It tries, in
// order, the provider's own 402 challenge, a pay-first direct call and, when
// no payment can be made, an unpaid mock call.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/wallet"
)

// Payment modes.
const (
	ModeChallenge = "x402"
	ModeDirect    = "direct"
	ModeMock      = "mock"
	ModeFree      = "free"
)

// Payment statuses.
const (
	StatusSettled      = "settled"
	StatusFeeUnsettled = "fee_unsettled"
	StatusFailed       = "failed"
	StatusUnsettled    = "unsettled"
)

// ErrOvercharge is returned when a provider demands more than its listed
// price allows. The attempt is abandoned without paying.
var ErrOvercharge = errors.New("provider demanded more than its listed price")

// Config controls settlement.
type Config struct {
	FeeAddress          string
	Token               string
	Chain               string
	GasEstimate         float64
	ProbeTimeout        time.Duration
	ExecTimeout         time.Duration
	BalanceBuffer       float64
	OverchargeTolerance float64
}

// DefaultConfig returns the standard settlement parameters.
func DefaultConfig() Config {
	return Config{
		Token:               "USDC",
		Chain:               "base",
		GasEstimate:         0.0001,
		ProbeTimeout:        5 * time.Second,
		ExecTimeout:         30 * time.Second,
		BalanceBuffer:       1.01,
		OverchargeTolerance: 1.05,
	}
}

// Payment describes what was paid for an execution.
type Payment struct {
	Mode      string  `json:"mode"`
	Status    string  `json:"status"`
	TxHash    string  `json:"tx_hash,omitempty"`
	FeeTxHash string  `json:"fee_tx_hash,omitempty"`
	Amount    float64 `json:"amount"`
	Token     string  `json:"token,omitempty"`
	Chain     string  `json:"chain,omitempty"`
	Cost      Cost    `json:"cost"`
}

// Billable reports whether the caller should be charged for this payment. A
// failed fee leg still counts; the provider was paid.
func (p Payment) Billable() bool {
	return p.Status == StatusSettled || p.Status == StatusFeeUnsettled
}

// ExecutionResult is a successful provider call.
type ExecutionResult struct {
	Data       json.RawMessage `json:"data"`
	Payment    Payment         `json:"payment"`
	StatusCode int             `json:"status_code"`
}

// MetricsRecorder is an optional interface for recording settlement metrics.
type MetricsRecorder interface {
	IncSettlement(mode, status string)
	IncUpstreamError(errorType string)
}

// Executor runs settled provider calls.
type Executor struct {
	signer  wallet.Signer
	cfg     Config
	client  *http.Client
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// NewExecutor creates an Executor. A nil signer disables payments.
func NewExecutor(signer wallet.Signer, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Token == "" {
		cfg.Token = def.Token
	}
	if cfg.Chain == "" {
		cfg.Chain = def.Chain
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.BalanceBuffer <= 0 {
		cfg.BalanceBuffer = def.BalanceBuffer
	}
	if cfg.OverchargeTolerance <= 0 {
		cfg.OverchargeTolerance = def.OverchargeTolerance
	}
	if signer == nil {
		signer = wallet.Disabled{}
	}
	return &Executor{
		signer: signer,
		cfg:    cfg,
		client: &http.Client{},
		tracer: otel.Tracer("github.com/alecgard/trustgate/internal/settlement"),
	}
}

// SetMetrics sets the optional metrics recorder.
func (e *Executor) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// SetHTTPClient replaces the client used for provider calls.
func (e *Executor) SetHTTPClient(c *http.Client) {
	e.client = c
}

// Execute calls the provider with payload on behalf of agentID and settles
// the payment. feePct is the routing fee percentage of the caller's plan.
func (e *Executor) Execute(ctx context.Context, agentID string, p *provider.Provider, payload json.RawMessage, feePct float64) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.id", p.ID),
		attribute.Float64("provider.price", p.BasePrice),
	)

	res, err := e.execute(ctx, agentID, p, payload, feePct)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("payment.mode", res.Payment.Mode),
		attribute.String("payment.status", res.Payment.Status),
	)
	if e.metrics != nil {
		e.metrics.IncSettlement(res.Payment.Mode, res.Payment.Status)
	}
	return res, nil
}

func (e *Executor) execute(ctx context.Context, agentID string, p *provider.Provider, payload json.RawMessage, feePct float64) (*ExecutionResult, error) {
	if p.BasePrice <= 0 {
		return e.free(ctx, agentID, p, payload)
	}
	cost := ComputeCost(p.BasePrice, feePct, e.cfg.GasEstimate)

	capab := e.capability(ctx, agentID, p, cost)
	if capab == nil {
		return e.mock(ctx, agentID, p, payload, cost)
	}

	res, fallThrough, err := e.challengeFlow(ctx, capab, agentID, p, payload, cost)
	if !fallThrough {
		return res, err
	}
	slog.Info("payment challenge unavailable, paying directly", "provider_id", p.ID, "error", err)

	res, paid, err := e.direct(ctx, capab, agentID, p, payload, cost)
	if paid {
		return res, err
	}
	slog.Warn("direct payment failed, executing unpaid", "provider_id", p.ID, "error", err)
	return e.mock(ctx, agentID, p, payload, cost)
}

// capability returns the agent's payment capability, or nil when the call
// must run unpaid: no wallet, or a balance that cannot cover the price.
func (e *Executor) capability(ctx context.Context, agentID string, p *provider.Provider, cost Cost) wallet.Capability {
	capab, err := e.signer.Capability(ctx, agentID)
	if err != nil {
		if !errors.Is(err, wallet.ErrUnavailable) {
			slog.Warn("resolving wallet", "agent_id", agentID, "error", err)
		}
		return nil
	}
	bal, err := capab.Balance(ctx)
	if err != nil {
		slog.Warn("reading wallet balance", "agent_id", agentID, "error", err)
		return nil
	}
	if bal < cost.ProviderCost*e.cfg.BalanceBuffer {
		slog.Info("wallet balance below price", "agent_id", agentID, "balance", bal, "price", cost.ProviderCost)
		return nil
	}
	return capab
}

// challengeFlow probes the provider unpaid. A 200 is paid for afterwards; a
// 402 is paid as demanded and the call repeated with proof. fallThrough is
// true when the probe could not establish a price and direct payment should
// be tried instead.
func (e *Executor) challengeFlow(ctx context.Context, capab wallet.Capability, agentID string, p *provider.Provider, payload json.RawMessage, cost Cost) (res *ExecutionResult, fallThrough bool, err error) {
	probe, err := e.callProvider(ctx, p, agentID, payload, e.cfg.ProbeTimeout, "")
	if err != nil {
		return nil, true, err
	}

	switch {
	case probe.ok():
		pay := e.payAfter(ctx, capab, p, cost)
		return &ExecutionResult{Data: asJSON(probe.body), Payment: pay, StatusCode: probe.status}, false, nil

	case probe.status == http.StatusPaymentRequired:
		ch, err := parseChallenge(probe)
		if err != nil {
			return nil, true, err
		}
		if roundMicro(ch.Amount) > roundMicro(p.BasePrice*e.cfg.OverchargeTolerance) {
			slog.Warn("provider overcharged", "provider_id", p.ID, "demanded", ch.Amount, "listed", p.BasePrice)
			return nil, false, fmt.Errorf("%w: demanded %g, listed %g", ErrOvercharge, ch.Amount, p.BasePrice)
		}
		if ch.PayTo == "" {
			ch.PayTo = p.PayoutAddress
		}
		if ch.Token == "" {
			ch.Token = e.cfg.Token
		}
		if ch.Chain == "" {
			ch.Chain = e.cfg.Chain
		}

		pay, err := e.pay(ctx, capab, ch.PayTo, ch.Amount, ch.Token, ch.Chain, cost)
		if err != nil {
			return nil, true, err
		}
		pay.Mode = ModeChallenge

		out, err := e.callProvider(ctx, p, agentID, payload, e.cfg.ExecTimeout, Proof(pay.TxHash, ch.Amount, ch.PayTo))
		if err == nil && !out.ok() {
			err = fmt.Errorf("provider %s returned %d after payment", p.ID, out.status)
		}
		if err != nil {
			return nil, false, &gwerr.SettlementError{Leg: "payment_settled_execution_failed", TxHash: pay.TxHash, Err: err}
		}
		return &ExecutionResult{Data: asJSON(out.body), Payment: pay, StatusCode: out.status}, false, nil

	default:
		return nil, false, fmt.Errorf("provider %s returned %d", p.ID, probe.status)
	}
}

// payAfter settles a call the provider already served without a challenge.
// A failed payment does not undo the result.
func (e *Executor) payAfter(ctx context.Context, capab wallet.Capability, p *provider.Provider, cost Cost) Payment {
	pay, err := e.pay(ctx, capab, p.PayoutAddress, cost.ProviderCost, e.cfg.Token, e.cfg.Chain, cost)
	if err != nil {
		slog.Warn("paying provider after execution", "provider_id", p.ID, "error", err)
		return Payment{Mode: ModeDirect, Status: StatusFailed, Token: e.cfg.Token, Chain: e.cfg.Chain, Cost: cost}
	}
	pay.Mode = ModeDirect
	return pay
}

// direct pays the listed price up front and then calls the provider with
// proof. paid reports whether money moved; when it did, a failed call is a
// SettlementError.
func (e *Executor) direct(ctx context.Context, capab wallet.Capability, agentID string, p *provider.Provider, payload json.RawMessage, cost Cost) (res *ExecutionResult, paid bool, err error) {
	pay, err := e.pay(ctx, capab, p.PayoutAddress, cost.ProviderCost, e.cfg.Token, e.cfg.Chain, cost)
	if err != nil {
		return nil, false, err
	}
	pay.Mode = ModeDirect

	out, err := e.callProvider(ctx, p, agentID, payload, e.cfg.ExecTimeout, Proof(pay.TxHash, cost.ProviderCost, p.PayoutAddress))
	if err == nil && !out.ok() {
		err = fmt.Errorf("provider %s returned %d after payment", p.ID, out.status)
	}
	if err != nil {
		return nil, true, &gwerr.SettlementError{Leg: "payment_settled_execution_failed", TxHash: pay.TxHash, Err: err}
	}
	return &ExecutionResult{Data: asJSON(out.body), Payment: pay, StatusCode: out.status}, true, nil
}

// pay makes the provider leg and then the routing fee leg. Only the provider
// leg is fatal.
func (e *Executor) pay(ctx context.Context, capab wallet.Capability, to string, amount float64, token, chain string, cost Cost) (Payment, error) {
	pay := Payment{Amount: roundMicro(amount), Token: token, Chain: chain, Cost: cost}

	tx, err := capab.Transfer(ctx, wallet.Transfer{To: to, Amount: pay.Amount, Token: token, Chain: chain, Memo: "provider"})
	if err != nil {
		return pay, fmt.Errorf("provider payment: %w", err)
	}
	pay.TxHash = tx
	pay.Status = StatusSettled

	if cost.RoutingFee > 0 && e.cfg.FeeAddress != "" {
		feeTx, err := capab.Transfer(ctx, wallet.Transfer{To: e.cfg.FeeAddress, Amount: cost.RoutingFee, Token: token, Chain: chain, Memo: "routing_fee"})
		if err != nil {
			slog.Warn("routing fee payment failed", "to", e.cfg.FeeAddress, "amount", cost.RoutingFee, "error", err)
			pay.Status = StatusFeeUnsettled
		} else {
			pay.FeeTxHash = feeTx
		}
	}
	return pay, nil
}

// free calls a provider that charges nothing. No payment is made and no
// gas is spent.
func (e *Executor) free(ctx context.Context, agentID string, p *provider.Provider, payload json.RawMessage) (*ExecutionResult, error) {
	out, err := e.callProvider(ctx, p, agentID, payload, e.cfg.ExecTimeout, "")
	if err != nil {
		return nil, err
	}
	if !out.ok() {
		return nil, fmt.Errorf("provider %s returned %d", p.ID, out.status)
	}
	return &ExecutionResult{
		Data:       asJSON(out.body),
		Payment:    Payment{Mode: ModeFree, Status: StatusSettled},
		StatusCode: out.status,
	}, nil
}

// mock calls the provider without paying. A provider that insists on payment
// yields a placeholder result instead of an error.
func (e *Executor) mock(ctx context.Context, agentID string, p *provider.Provider, payload json.RawMessage, cost Cost) (*ExecutionResult, error) {
	out, err := e.callProvider(ctx, p, agentID, payload, e.cfg.ExecTimeout, "")
	if err != nil {
		return nil, err
	}

	placeholder := map[string]any{
		"mock":        true,
		"provider_id": p.ID,
		"category":    p.Category,
	}
	switch {
	case out.ok():
		placeholder["message"] = "executed without payment"
		placeholder["data"] = asJSON(out.body)
	case out.status == http.StatusPaymentRequired:
		placeholder["message"] = "provider requires payment; no wallet available"
	default:
		return nil, fmt.Errorf("provider %s returned %d", p.ID, out.status)
	}

	data, err := json.Marshal(placeholder)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		Data:       data,
		Payment:    Payment{Mode: ModeMock, Status: StatusUnsettled, Cost: cost},
		StatusCode: out.status,
	}, nil
}
