package account

import "time"

// Budget period types.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
	PeriodTotal   = "total"
)

// Account is a billing entity that owns agents.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PlanID    string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a subscription tier. DailyLimit of 0 means unlimited.
type Plan struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Tier          string   `json:"tier"`
	DailyLimit    int64    `json:"daily_limit"`
	RoutingFeePct float64  `json:"routing_fee_pct"`
	RateLimit     int      `json:"rate_limit"`
	Features      []string `json:"features"`
}

// Agent is an API client acting on behalf of an account.
type Agent struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAccountInput holds the fields required to create an account.
type CreateAccountInput struct {
	Name   string `json:"name"`
	PlanID string `json:"plan_id"`
}

// CreateAgentInput holds the fields required to create a new agent.
type CreateAgentInput struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	APIKeyHash   string `json:"-"`
	APIKeyPrefix string `json:"-"`
	RateLimit    int    `json:"rate_limit"`
}

// AgentListParams controls cursor-based pagination for listing agents.
type AgentListParams struct {
	AccountID string `json:"account_id"`
	Cursor    string `json:"cursor"`
	Limit     int    `json:"limit"`
}

// Budget is a spending limit for an agent. ResetAt is nil for total budgets.
type Budget struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	LimitUSD   float64    `json:"limit_usd"`
	SpentUSD   float64    `json:"spent_usd"`
	HardCap    bool       `json:"hard_cap"`
	PeriodType string     `json:"period_type"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Remaining returns the unspent part of the limit, never negative.
func (b *Budget) Remaining() float64 {
	return max(0, b.LimitUSD-b.SpentUSD)
}

// SetBudgetInput holds the fields required to create or replace a budget.
type SetBudgetInput struct {
	AgentID    string  `json:"agent_id"`
	LimitUSD   float64 `json:"limit_usd"`
	HardCap    bool    `json:"hard_cap"`
	PeriodType string  `json:"period_type"`
}
