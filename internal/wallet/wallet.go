// Package wallet exposes the payment capability of an agent. Keys never enter
// the gateway: a Signer hands out a Capability that can read a balance and
// request transfers from whatever custody backend holds the keys.
package wallet

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the agent has no usable wallet.
	ErrUnavailable = errors.New("wallet unavailable")
	// ErrInsufficient means the wallet cannot cover a transfer.
	ErrInsufficient = errors.New("insufficient wallet balance")
)

// Transfer is a single on-chain payment request.
type Transfer struct {
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
	Token  string  `json:"token"`
	Chain  string  `json:"chain"`
	Memo   string  `json:"memo,omitempty"`
}

// Capability is the payment authority of one agent.
type Capability interface {
	Balance(ctx context.Context) (float64, error)
	Transfer(ctx context.Context, t Transfer) (txHash string, err error)
}

// Signer resolves an agent's payment capability.
type Signer interface {
	Capability(ctx context.Context, agentID string) (Capability, error)
}

// Disabled is a Signer for deployments without custody. Every agent is
// reported as having no wallet.
type Disabled struct{}

// Capability implements Signer.
func (Disabled) Capability(context.Context, string) (Capability, error) {
	return nil, ErrUnavailable
}
