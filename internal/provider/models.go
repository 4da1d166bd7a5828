package provider

import (
	"time"

	"github.com/alecgard/trustgate/internal/trust"
)

// Provider is an independently operated endpoint that serves one category of
// capability. The aggregate metric fields are a cached view maintained by the
// latency recorder.
type Provider struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	Endpoint      string     `json:"-"`
	PayoutAddress string     `json:"payout_address"`
	PricingModel  string     `json:"pricing_model"`
	BasePrice     float64    `json:"base_price"`
	Currency      string     `json:"currency"`
	TrustScore    float64    `json:"trust_score"`
	SuccessRate   float64    `json:"success_rate"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	UptimePercent float64    `json:"uptime_percent"`
	TotalRequests int64      `json:"total_requests"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ProviderID returns the provider's id.
func (p *Provider) ProviderID() string { return p.ID }

// Metrics returns the subset of fields the trust scorer reads.
func (p *Provider) Metrics() trust.Metrics {
	return trust.Metrics{
		SuccessRate:   p.SuccessRate,
		AvgLatencyMs:  p.AvgLatencyMs,
		UptimePercent: p.UptimePercent,
		TrustScore:    p.TrustScore,
		TotalRequests: p.TotalRequests,
		CreatedAt:     p.CreatedAt,
		LastSeenAt:    p.LastSeenAt,
	}
}

// CreateProviderInput holds the fields required to register a provider.
type CreateProviderInput struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Endpoint      string  `json:"endpoint"`
	PayoutAddress string  `json:"payout_address"`
	PricingModel  string  `json:"pricing_model"`
	BasePrice     float64 `json:"base_price"`
	Currency      string  `json:"currency"`
	UptimePercent float64 `json:"uptime_percent"`
}

// MetricsUpdate carries a recomputed metrics window. TotalRequestsDelta is
// added to the stored counter rather than replacing it.
type MetricsUpdate struct {
	SuccessRate        float64
	AvgLatencyMs       float64
	TotalRequestsDelta int64
	LastSeenAt         time.Time
}

// ListParams controls listing and pagination of providers.
type ListParams struct {
	Cursor   string `json:"cursor"`
	Limit    int    `json:"limit"`
	Category string `json:"category"`
}

// Favorite marks a provider as preferred by an agent. Priority runs 0-100.
type Favorite struct {
	AgentID    string    `json:"agent_id"`
	ProviderID string    `json:"provider_id"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}
