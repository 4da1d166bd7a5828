package metering

import "time"

// Transaction records one execution attempt against a provider. Every
// attempt the router starts produces exactly one Transaction, whether it
// succeeded or not.
type Transaction struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	AccountID     string    `json:"account_id"`
	Category      string    `json:"category"`
	ProviderID    string    `json:"provider_id"`
	Attempt       int       `json:"attempt"`
	ProviderCost  float64   `json:"provider_cost"`
	RoutingFee    float64   `json:"routing_fee"`
	GasCost       float64   `json:"gas_cost"`
	TotalCost     float64   `json:"total_cost"`
	PaymentMode   string    `json:"payment_mode,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	Success       bool      `json:"success"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UsageSummary holds aggregate metrics for a set of transactions.
type UsageSummary struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalCost       float64 `json:"total_cost"`
	TotalRoutingFee float64 `json:"total_routing_fee"`
	SuccessCount    int64   `json:"success_count"`
	ErrorCount      int64   `json:"error_count"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// UsageQuery defines filters and pagination for querying transactions.
type UsageQuery struct {
	AccountID  string    `json:"account_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Category   string    `json:"category,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Cursor     string    `json:"cursor,omitempty"`
	Limit      int       `json:"limit"`
}
