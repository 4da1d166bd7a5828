package provider

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FavoriteStore provides database operations for agent favorites.
type FavoriteStore struct {
	pool *pgxpool.Pool
}

// NewFavoriteStore creates a new favorite store backed by the given pool.
func NewFavoriteStore(pool *pgxpool.Pool) *FavoriteStore {
	return &FavoriteStore{pool: pool}
}

// ListFavorites returns the agent's favorites keyed by provider id.
func (s *FavoriteStore) ListFavorites(ctx context.Context, agentID string) (map[string]Favorite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, provider_id, priority, created_at
		 FROM agent_favorites WHERE agent_id = $1`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("listing favorites: %w", err)
	}
	defer rows.Close()

	favs := make(map[string]Favorite)
	for rows.Next() {
		var f Favorite
		if err := rows.Scan(&f.AgentID, &f.ProviderID, &f.Priority, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning favorite row: %w", err)
		}
		favs[f.ProviderID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating favorite rows: %w", err)
	}
	return favs, nil
}

// SetFavorite upserts a favorite. Priority is clamped to 0-100.
func (s *FavoriteStore) SetFavorite(ctx context.Context, agentID, providerID string, priority int) error {
	priority = min(max(priority, 0), 100)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_favorites (agent_id, provider_id, priority)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id, provider_id)
		 DO UPDATE SET priority = EXCLUDED.priority`,
		agentID, providerID, priority)
	if err != nil {
		return fmt.Errorf("upserting favorite: %w", err)
	}
	return nil
}
