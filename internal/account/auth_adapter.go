package account

import (
	"context"

	"github.com/alecgard/trustgate/internal/auth"
)

// AuthAdapter wraps an account Store to satisfy auth.AgentLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges account.Store to auth.AgentLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up an agent by API key hash and resolves its account's
// plan.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Agent, error) {
	ag, err := a.store.GetAgentByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	plan, err := a.store.GetAccountPlan(ctx, ag.AccountID)
	if err != nil {
		return nil, err
	}
	return ToAuthAgent(ag, plan), nil
}

// ToAuthAgent converts stored records into the request-path view of an agent.
// The agent's own rate limit wins over the plan's.
func ToAuthAgent(ag *Agent, plan *Plan) *auth.Agent {
	rate := ag.RateLimit
	if rate <= 0 {
		rate = plan.RateLimit
	}
	return &auth.Agent{
		ID:        ag.ID,
		Name:      ag.Name,
		AccountID: ag.AccountID,
		RateLimit: rate,
		Plan: auth.Plan{
			ID:            plan.ID,
			Name:          plan.Name,
			Tier:          plan.Tier,
			DailyLimit:    plan.DailyLimit,
			RoutingFeePct: plan.RoutingFeePct,
			Features:      plan.Features,
		},
	}
}
