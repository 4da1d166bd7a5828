package account

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const agentColumns = `id, account_id, name, api_key_hash, api_key_prefix, rate_limit, created_at`

// Store provides database operations for accounts, plans and agents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new account store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.APIKeyHash, &a.APIKeyPrefix, &a.RateLimit, &a.CreatedAt)
	return a, err
}

// UpsertPlan creates or replaces a plan by id.
func (s *Store) UpsertPlan(ctx context.Context, p Plan) (*Plan, error) {
	out := &Plan{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO plans (id, name, tier, daily_limit, routing_fee_pct, rate_limit, features)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, tier = EXCLUDED.tier, daily_limit = EXCLUDED.daily_limit,
		   routing_fee_pct = EXCLUDED.routing_fee_pct, rate_limit = EXCLUDED.rate_limit,
		   features = EXCLUDED.features
		 RETURNING id, name, tier, daily_limit, routing_fee_pct, rate_limit, features`,
		p.ID, p.Name, p.Tier, p.DailyLimit, p.RoutingFeePct, p.RateLimit, p.Features,
	).Scan(&out.ID, &out.Name, &out.Tier, &out.DailyLimit, &out.RoutingFeePct, &out.RateLimit, &out.Features)
	if err != nil {
		return nil, fmt.Errorf("upserting plan: %w", err)
	}
	return out, nil
}

// GetPlan retrieves a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	p := &Plan{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, tier, daily_limit, routing_fee_pct, rate_limit, features
		 FROM plans WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Tier, &p.DailyLimit, &p.RoutingFeePct, &p.RateLimit, &p.Features)
	if err != nil {
		return nil, fmt.Errorf("getting plan: %w", notFound(err))
	}
	return p, nil
}

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, in CreateAccountInput) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (name, plan_id) VALUES ($1, $2)
		 RETURNING id, name, plan_id, created_at`,
		in.Name, in.PlanID,
	).Scan(&a.ID, &a.Name, &a.PlanID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return a, nil
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan_id, created_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Name, &a.PlanID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", notFound(err))
	}
	return a, nil
}

// GetAccountPlan returns the plan the given account is on.
func (s *Store) GetAccountPlan(ctx context.Context, accountID string) (*Plan, error) {
	p := &Plan{}
	err := s.pool.QueryRow(ctx,
		`SELECT p.id, p.name, p.tier, p.daily_limit, p.routing_fee_pct, p.rate_limit, p.features
		 FROM accounts a JOIN plans p ON p.id = a.plan_id
		 WHERE a.id = $1`,
		accountID,
	).Scan(&p.ID, &p.Name, &p.Tier, &p.DailyLimit, &p.RoutingFeePct, &p.RateLimit, &p.Features)
	if err != nil {
		return nil, fmt.Errorf("getting account plan: %w", notFound(err))
	}
	return p, nil
}

// CreateAgent inserts a new agent and returns the created record.
func (s *Store) CreateAgent(ctx context.Context, in CreateAgentInput) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`INSERT INTO agents (account_id, name, api_key_hash, api_key_prefix, rate_limit)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+agentColumns,
		in.AccountID, in.Name, in.APIKeyHash, in.APIKeyPrefix, in.RateLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent by its primary key.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting agent by id: %w", notFound(err))
	}
	return a, nil
}

// GetAgentByKeyHash retrieves an agent by its API key hash, used for
// authentication.
func (s *Store) GetAgentByKeyHash(ctx context.Context, hash string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting agent by key hash: %w", notFound(err))
	}
	return a, nil
}

// ListAgents returns a page of agents ordered by created_at DESC, id DESC
// using cursor-based pagination, optionally restricted to one account.
func (s *Store) ListAgents(ctx context.Context, params AgentListParams) ([]*Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var conds []string
	var args []any
	if params.AccountID != "" {
		args = append(args, params.AccountID)
		conds = append(conds, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, cursorTime, cursorID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents`+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agent rows: %w", err)
	}

	var nextCursor string
	if len(agents) > limit {
		last := agents[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		agents = agents[:limit]
	}

	return agents, nextCursor, nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
