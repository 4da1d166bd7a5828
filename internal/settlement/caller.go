package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/trustgate/internal/provider"
)

// maxResponseSize caps how much of a provider response is read.
const maxResponseSize = 10 << 20

// Challenge headers a provider sets on a 402 response.
const (
	headerAmount = "X-Payment-Amount"
	headerToken  = "X-Payment-Token"
	headerChain  = "X-Payment-Chain"
	headerPayTo  = "X-Payment-To"
)

// callResult is the raw outcome of one HTTP call to a provider.
type callResult struct {
	status int
	header http.Header
	body   []byte
}

func (r *callResult) ok() bool { return r.status >= 200 && r.status < 300 }

// callProvider POSTs payload to the provider endpoint with a per-call
// timeout. Non-2xx statuses are returned as results, not errors.
func (e *Executor) callProvider(ctx context.Context, p *provider.Provider, agentID string, payload json.RawMessage, timeout time.Duration, proof string) (*callResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trustgate-Agent", agentID)
	if proof != "" {
		req.Header.Set(ProofHeader, proof)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncUpstreamError(classifyUpstreamError(err))
		}
		return nil, fmt.Errorf("calling provider %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading provider %s response: %w", p.ID, err)
	}
	return &callResult{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// challenge is a parsed 402 payment demand.
type challenge struct {
	Amount float64 `json:"amount"`
	Token  string  `json:"token"`
	Chain  string  `json:"chain"`
	PayTo  string  `json:"payTo"`
}

var errMalformedChallenge = errors.New("malformed payment challenge")

// parseChallenge reads the demand from headers, falling back to the JSON body.
func parseChallenge(r *callResult) (challenge, error) {
	var c challenge
	if raw := r.header.Get(headerAmount); raw != "" {
		amt, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return c, fmt.Errorf("%w: amount %q", errMalformedChallenge, raw)
		}
		c.Amount = amt
		c.Token = r.header.Get(headerToken)
		c.Chain = r.header.Get(headerChain)
		c.PayTo = r.header.Get(headerPayTo)
	} else if err := json.Unmarshal(r.body, &c); err != nil {
		return c, fmt.Errorf("%w: %v", errMalformedChallenge, err)
	}
	if c.Amount <= 0 {
		return c, fmt.Errorf("%w: amount must be positive", errMalformedChallenge)
	}
	return c, nil
}

// asJSON returns body unchanged when it is valid JSON and as a JSON string
// otherwise.
func asJSON(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	s, _ := json.Marshal(string(body))
	return s
}

// classifyUpstreamError categorizes a provider HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
