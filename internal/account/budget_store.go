package account

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const budgetColumns = `id, agent_id, limit_usd, spent_usd, hard_cap, period_type, reset_at, updated_at`

// BudgetStore provides database operations for agent budgets.
type BudgetStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewBudgetStore creates a new budget store backed by the given connection pool.
func NewBudgetStore(pool *pgxpool.Pool) *BudgetStore {
	return &BudgetStore{pool: pool, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner) (*Budget, error) {
	b := &Budget{}
	err := row.Scan(&b.ID, &b.AgentID, &b.LimitUSD, &b.SpentUSD, &b.HardCap, &b.PeriodType, &b.ResetAt, &b.UpdatedAt)
	return b, err
}

// Set upserts the budget of the given agent and period. Spend is kept when
// an existing budget is replaced.
func (s *BudgetStore) Set(ctx context.Context, in SetBudgetInput) (*Budget, error) {
	if in.PeriodType == "" {
		in.PeriodType = PeriodMonthly
	}
	if err := ValidatePeriod(in.PeriodType); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	b, err := scanBudget(s.pool.QueryRow(ctx,
		`INSERT INTO budgets (agent_id, limit_usd, hard_cap, period_type, reset_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (agent_id, period_type)
		 DO UPDATE SET limit_usd = EXCLUDED.limit_usd, hard_cap = EXCLUDED.hard_cap, updated_at = EXCLUDED.updated_at
		 RETURNING `+budgetColumns,
		in.AgentID, in.LimitUSD, in.HardCap, in.PeriodType, NextReset(in.PeriodType, now), now,
	))
	if err != nil {
		return nil, fmt.Errorf("upserting budget: %w", err)
	}
	return b, nil
}

// Get retrieves a budget by id. A budget whose period has elapsed is
// returned with its spend reset.
func (s *BudgetStore) Get(ctx context.Context, id string) (*Budget, error) {
	b, err := scanBudget(s.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting budget: %w", notFound(err))
	}
	rollover(b, s.now().UTC())
	return b, nil
}

// ListByAgent returns all budgets of the given agent.
func (s *BudgetStore) ListByAgent(ctx context.Context, agentID string) ([]*Budget, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE agent_id = $1 ORDER BY period_type`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing budgets: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var budgets []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning budget row: %w", err)
		}
		rollover(b, now)
		budgets = append(budgets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating budget rows: %w", err)
	}
	return budgets, nil
}

// IncrementSpend atomically adds amount to the budget's spend, starting a
// new period first when the current one has elapsed.
func (s *BudgetStore) IncrementSpend(ctx context.Context, id string, amount float64) (*Budget, error) {
	now := s.now().UTC()
	b, err := scanBudget(s.pool.QueryRow(ctx,
		`UPDATE budgets SET
		   spent_usd = CASE WHEN reset_at IS NOT NULL AND reset_at <= $3 THEN $2 ELSE spent_usd + $2 END,
		   reset_at = CASE
		     WHEN reset_at IS NULL OR reset_at > $3 THEN reset_at
		     WHEN period_type = 'daily' THEN $4::timestamptz
		     ELSE $5::timestamptz
		   END,
		   updated_at = $3
		 WHERE id = $1
		 RETURNING `+budgetColumns,
		id, amount, now, NextReset(PeriodDaily, now), NextReset(PeriodMonthly, now),
	))
	if err != nil {
		return nil, fmt.Errorf("incrementing budget spend: %w", notFound(err))
	}
	return b, nil
}
