package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the provider registry.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// providerColumns is the full list of columns used in SELECT statements.
const providerColumns = `id, name, category, endpoint, payout_address,
	pricing_model, base_price, currency, trust_score, success_rate,
	avg_latency_ms, uptime_percent, total_requests, last_seen_at, active,
	created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Category,
		&p.Endpoint,
		&p.PayoutAddress,
		&p.PricingModel,
		&p.BasePrice,
		&p.Currency,
		&p.TrustScore,
		&p.SuccessRate,
		&p.AvgLatencyMs,
		&p.UptimePercent,
		&p.TotalRequests,
		&p.LastSeenAt,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new provider and returns the full row.
func (s *Store) Create(ctx context.Context, input CreateProviderInput) (*Provider, error) {
	query := fmt.Sprintf(`INSERT INTO providers
		(name, category, endpoint, payout_address, pricing_model, base_price,
		 currency, uptime_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING %s`, providerColumns)

	row := s.pool.QueryRow(ctx, query,
		input.Name,
		input.Category,
		input.Endpoint,
		input.PayoutAddress,
		input.PricingModel,
		input.BasePrice,
		input.Currency,
		input.UptimePercent,
	)
	p, err := scanProvider(row)
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}
	return p, nil
}

// GetByID retrieves a provider by its ID, including its endpoint.
func (s *Store) GetByID(ctx context.Context, id string) (*Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers WHERE id = $1`, providerColumns)
	return scanProvider(s.pool.QueryRow(ctx, query, id))
}

// ListByCategory returns up to limit active providers serving category,
// most trusted first.
func (s *Store) ListByCategory(ctx context.Context, category string, limit int) ([]*Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers
		WHERE category = $1 AND active
		ORDER BY trust_score DESC, id
		LIMIT $2`, providerColumns)

	rows, err := s.pool.Query(ctx, query, category, limit)
	if err != nil {
		return nil, fmt.Errorf("listing providers by category: %w", err)
	}
	return collectProviders(rows)
}

// List returns a page of providers ordered by created_at DESC, id DESC with
// cursor-based pagination.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Provider, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	args := []interface{}{}
	argIdx := 1
	whereClauses := []string{}

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}

	if params.Category != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, params.Category)
		argIdx++
	}

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM providers %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		providerColumns, where, argIdx)
	args = append(args, limit+1) // one extra row tells us whether a next page exists

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing providers: %w", err)
	}
	providers, err := collectProviders(rows)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(providers) > limit {
		last := providers[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		providers = providers[:limit]
	}
	return providers, nextCursor, nil
}

// UpdateMetrics overwrites the cached aggregate fields of a provider and
// returns its category so callers can invalidate derived views.
func (s *Store) UpdateMetrics(ctx context.Context, id string, m MetricsUpdate) (string, error) {
	var category string
	err := s.pool.QueryRow(ctx,
		`UPDATE providers
		 SET success_rate = $1, avg_latency_ms = $2,
		     total_requests = total_requests + $3,
		     last_seen_at = $4, updated_at = $5
		 WHERE id = $6
		 RETURNING category`,
		m.SuccessRate, m.AvgLatencyMs, m.TotalRequestsDelta, m.LastSeenAt, time.Now().UTC(), id,
	).Scan(&category)
	if err != nil {
		return "", fmt.Errorf("updating provider metrics: %w", err)
	}
	return category, nil
}

// SetTrustScore stores the reputation-derived trust score of a provider.
func (s *Store) SetTrustScore(ctx context.Context, id string, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE providers SET trust_score = $1, updated_at = $2 WHERE id = $3`,
		score, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting trust score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func collectProviders(rows pgx.Rows) ([]*Provider, error) {
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return providers, nil
}

// encodeCursor produces a base64-encoded cursor from a timestamp and ID.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64-encoded cursor into a timestamp and ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return t, parts[1], nil
}
