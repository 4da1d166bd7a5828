package reputation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a Ledger that writes updates to the reputation_updates table,
// where an external mirror picks them up.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append inserts updates in a single statement.
func (s *Store) Append(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	const cols = 7
	args := make([]any, 0, len(updates)*cols)
	rows := make([]string, 0, len(updates))
	for i, u := range updates {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		args = append(args, u.ProviderID, u.AgentID, u.Kind, u.Positive, u.Score, u.Delta, u.At)
	}

	query := `INSERT INTO reputation_updates
		(provider_id, agent_id, kind, positive, score, delta, created_at)
		VALUES ` + strings.Join(rows, ", ")
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting reputation updates: %w", err)
	}
	return nil
}
