package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/trustgate/internal/trust"
)

// FeedbackStore persists append-only provider ratings.
type FeedbackStore struct {
	pool *pgxpool.Pool
}

// NewFeedbackStore creates a new feedback store backed by the given pool.
func NewFeedbackStore(pool *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{pool: pool}
}

// Append records a rating from an agent.
func (s *FeedbackStore) Append(ctx context.Context, providerID, agentID string, score int, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_feedback (provider_id, agent_id, score, created_at)
		 VALUES ($1, $2, $3, $4)`,
		providerID, agentID, score, at)
	if err != nil {
		return fmt.Errorf("appending feedback: %w", err)
	}
	return nil
}

// RecentFeedback returns up to limit ratings of one provider, newest first.
func (s *FeedbackStore) RecentFeedback(ctx context.Context, providerID string, limit int) ([]trust.FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT score, created_at FROM provider_feedback
		 WHERE provider_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var entries []trust.FeedbackEntry
	for rows.Next() {
		var e trust.FeedbackEntry
		if err := rows.Scan(&e.Score, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning feedback row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feedback rows: %w", err)
	}
	return entries, nil
}

// RecentFeedbackBatch loads up to perProvider of the newest ratings for each
// of providerIDs in a single round trip. Providers with no ratings are absent
// from the result.
func (s *FeedbackStore) RecentFeedbackBatch(ctx context.Context, providerIDs []string, perProvider int) (map[string][]trust.FeedbackEntry, error) {
	out := make(map[string][]trust.FeedbackEntry, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider_id, score, created_at FROM (
		     SELECT provider_id, score, created_at,
		            ROW_NUMBER() OVER (PARTITION BY provider_id ORDER BY created_at DESC) AS rn
		     FROM provider_feedback
		     WHERE provider_id = ANY($1)
		 ) ranked
		 WHERE rn <= $2
		 ORDER BY provider_id, created_at DESC`,
		providerIDs, perProvider)
	if err != nil {
		return nil, fmt.Errorf("querying feedback batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var e trust.FeedbackEntry
		if err := rows.Scan(&id, &e.Score, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning feedback row: %w", err)
		}
		out[id] = append(out[id], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feedback rows: %w", err)
	}
	return out, nil
}
