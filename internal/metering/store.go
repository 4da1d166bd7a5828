package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const transactionColumns = `id, agent_id, account_id, category, provider_id, attempt,
	provider_cost, routing_fee, gas_cost, total_cost, payment_mode, payment_status,
	tx_hash, latency_ms, success, error_code, error_message, timestamp`

// Store provides database operations for the metering system.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of transactions to the database in a single
// multi-row INSERT statement. It is a no-op when txns is empty. Rows whose
// id already exists are skipped so a retried flush does not duplicate them.
func (s *Store) BatchInsert(ctx context.Context, txns []Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	const cols = 18
	args := make([]any, 0, len(txns)*cols)
	rows := make([]string, 0, len(txns))

	for i, tx := range txns {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			tx.ID,
			tx.AgentID,
			tx.AccountID,
			tx.Category,
			tx.ProviderID,
			tx.Attempt,
			tx.ProviderCost,
			tx.RoutingFee,
			tx.GasCost,
			tx.TotalCost,
			tx.PaymentMode,
			tx.PaymentStatus,
			tx.TxHash,
			tx.LatencyMs,
			tx.Success,
			tx.ErrorCode,
			tx.ErrorMessage,
			tx.Timestamp,
		)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting transactions: %w", err)
	}
	return nil
}

// GetSummary returns aggregate usage metrics matching the given query filters.
// Only billable attempts contribute to cost.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN payment_status IN ('settled', 'fee_unsettled') THEN total_cost ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN payment_status IN ('settled', 'fee_unsettled') THEN routing_fee ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM transactions` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRequests,
		&summary.TotalCost,
		&summary.TotalRoutingFee,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// ListTransactions returns a page of transactions matching the query filters,
// ordered by timestamp DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) ListTransactions(ctx context.Context, q UsageQuery) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + transactionColumns + `
	FROM transactions` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(
			&tx.ID, &tx.AgentID, &tx.AccountID, &tx.Category, &tx.ProviderID, &tx.Attempt,
			&tx.ProviderCost, &tx.RoutingFee, &tx.GasCost, &tx.TotalCost,
			&tx.PaymentMode, &tx.PaymentStatus, &tx.TxHash, &tx.LatencyMs,
			&tx.Success, &tx.ErrorCode, &tx.ErrorMessage, &tx.Timestamp,
		); err != nil {
			return nil, "", fmt.Errorf("scanning transaction row: %w", err)
		}
		txns = append(txns, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transaction rows: %w", err)
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		txns = txns[:limit]
	}

	return txns, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	eq := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	eq("account_id", q.AccountID)
	eq("agent_id", q.AgentID)
	eq("provider_id", q.ProviderID)
	eq("category", q.Category)

	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
