// Package selector ranks the providers of a category by trust score and picks
// one for a request, applying agent favorites and caller preferences.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alecgard/trustgate/internal/kv"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/trust"
)

const (
	cacheTTL          = 5 * time.Minute
	maxLoadProviders  = 50
	selectionPoolSize = 20
	defaultLimit      = 10

	favoriteBoostMax = 0.5
	preferredBoost   = 0.3
)

// ProviderSource loads active providers of a category.
type ProviderSource interface {
	ListByCategory(ctx context.Context, category string, limit int) ([]*provider.Provider, error)
}

// FeedbackSource loads recent ratings for many providers at once.
type FeedbackSource interface {
	RecentFeedbackBatch(ctx context.Context, providerIDs []string, perProvider int) (map[string][]trust.FeedbackEntry, error)
}

// FavoriteSource loads an agent's favorite providers keyed by provider id.
type FavoriteSource interface {
	ListFavorites(ctx context.Context, agentID string) (map[string]provider.Favorite, error)
}

// MetricsRecorder is an optional interface for recording score cache outcomes.
type MetricsRecorder interface {
	IncScoreCache(result string)
}

// ScoredProvider is a provider together with its trust breakdown and the
// boosts applied for one selection.
type ScoredProvider struct {
	Provider         *provider.Provider `json:"provider"`
	Trust            trust.Breakdown    `json:"trust"`
	CompositeScore   float64            `json:"composite_score"`
	IsFavorite       bool               `json:"is_favorite"`
	FavoritePriority int                `json:"favorite_priority,omitempty"`
	IsPreferred      bool               `json:"is_preferred"`
}

// ProviderID returns the id of the scored provider.
func (s ScoredProvider) ProviderID() string { return s.Provider.ID }

// DiscoverOptions filters a ranked category listing.
type DiscoverOptions struct {
	Limit    int
	MinTrust float64
	MaxPrice *float64
	Weights  *trust.Weights
}

// Preferences narrow a selection on behalf of the caller.
type Preferences struct {
	MaxPrice           *float64 `json:"max_price,omitempty"`
	MinTrustScore      *float64 `json:"min_trust_score,omitempty"`
	PreferredProviders []string `json:"preferred_providers,omitempty"`
	MaxLatencyMs       *int64   `json:"max_latency_ms,omitempty"`
}

// SelectRequest describes one selection.
type SelectRequest struct {
	Category    string
	AgentID     string
	Preferences Preferences
	Weights     *trust.Weights
}

// Selection is the outcome of SelectProvider. Candidates are ordered by
// composite score and start with the winner.
type Selection struct {
	Winner     ScoredProvider
	Candidates []ScoredProvider
	Reason     string
}

// Selector ranks providers. The ranked list of each category and weight
// vector is cached in the kv store.
type Selector struct {
	providers ProviderSource
	feedback  FeedbackSource
	favorites FavoriteSource
	cache     kv.Store
	score     trust.ScoreFunc
	now       func() time.Time
	metrics   MetricsRecorder
}

// New creates a Selector.
func New(providers ProviderSource, feedback FeedbackSource, favorites FavoriteSource, cache kv.Store) *Selector {
	return &Selector{
		providers: providers,
		feedback:  feedback,
		favorites: favorites,
		cache:     cache,
		score:     trust.Score,
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Selector) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// SetClock overrides the time source.
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// SetScoreFunc replaces the trust scorer.
func (s *Selector) SetScoreFunc(f trust.ScoreFunc) {
	s.score = f
}

// DiscoverAndScore returns the providers of category ranked by trust score,
// filtered by opts.
func (s *Selector) DiscoverAndScore(ctx context.Context, category string, opts DiscoverOptions) ([]ScoredProvider, error) {
	weights := trust.DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	ranked, err := s.ranked(ctx, category, weights)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	out := make([]ScoredProvider, 0, min(limit, len(ranked)))
	for _, sp := range ranked {
		if len(out) == limit {
			break
		}
		if sp.Trust.Total < opts.MinTrust {
			continue
		}
		if opts.MaxPrice != nil && sp.Provider.BasePrice > *opts.MaxPrice {
			continue
		}
		out = append(out, sp)
	}
	return out, nil
}

// SelectProvider picks the best provider for req. It returns nil and no
// error when no provider qualifies.
func (s *Selector) SelectProvider(ctx context.Context, req SelectRequest) (*Selection, error) {
	pool, err := s.DiscoverAndScore(ctx, req.Category, DiscoverOptions{
		Limit:    selectionPoolSize,
		MaxPrice: req.Preferences.MaxPrice,
		Weights:  req.Weights,
	})
	if err != nil {
		return nil, err
	}

	favs := map[string]provider.Favorite{}
	if req.AgentID != "" && s.favorites != nil {
		loaded, err := s.favorites.ListFavorites(ctx, req.AgentID)
		if err != nil {
			slog.Warn("loading favorites", "agent_id", req.AgentID, "error", err)
		} else {
			favs = loaded
		}
	}

	preferred := make(map[string]bool, len(req.Preferences.PreferredProviders))
	for _, id := range req.Preferences.PreferredProviders {
		preferred[id] = true
	}

	candidates := make([]ScoredProvider, 0, len(pool))
	for _, sp := range pool {
		p := sp.Provider
		if maxLat := req.Preferences.MaxLatencyMs; maxLat != nil && p.AvgLatencyMs > float64(*maxLat) {
			continue
		}
		if minTrust := req.Preferences.MinTrustScore; minTrust != nil && sp.Trust.Total < *minTrust {
			continue
		}

		sp.CompositeScore = sp.Trust.Total
		if f, ok := favs[p.ID]; ok {
			sp.IsFavorite = true
			sp.FavoritePriority = f.Priority
			sp.CompositeScore += float64(f.Priority) / 100 * favoriteBoostMax
		}
		if preferred[p.ID] {
			sp.IsPreferred = true
			sp.CompositeScore += preferredBoost
		}
		candidates = append(candidates, sp)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CompositeScore > candidates[j].CompositeScore
	})

	return &Selection{
		Winner:     candidates[0],
		Candidates: candidates,
		Reason:     reason(candidates[0]),
	}, nil
}

// Invalidate discards every cached ranking of category.
func (s *Selector) Invalidate(ctx context.Context, category string) {
	if _, err := s.cache.IncrWithTTL(ctx, generationKey(category), 0); err != nil {
		slog.Warn("invalidating score cache", "category", category, "error", err)
	}
}

// ScoreOne computes the breakdown of a single provider from its own ratings.
func (s *Selector) ScoreOne(p *provider.Provider, feedback []trust.FeedbackEntry, w trust.Weights) trust.Breakdown {
	now := s.now()
	return s.score(p.Metrics(), w, decayed(feedback, now), now)
}

// cachedScore carries the endpoint, which Provider hides from JSON.
type cachedScore struct {
	ScoredProvider
	Endpoint string `json:"endpoint"`
}

func (s *Selector) ranked(ctx context.Context, category string, w trust.Weights) ([]ScoredProvider, error) {
	key := s.cacheKey(ctx, category, w)

	if out, ok := s.readCache(ctx, key); ok {
		s.observe("hit")
		return out, nil
	}
	s.observe("miss")

	providers, err := s.providers.ListByCategory(ctx, category, maxLoadProviders)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}

	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
	}
	feedback, err := s.feedback.RecentFeedbackBatch(ctx, ids, trust.MaxFeedbackWindow)
	if err != nil {
		return nil, fmt.Errorf("loading feedback: %w", err)
	}

	now := s.now()
	ranked := make([]ScoredProvider, len(providers))
	for i, p := range providers {
		ranked[i] = ScoredProvider{
			Provider: p,
			Trust:    s.score(p.Metrics(), w, decayed(feedback[p.ID], now), now),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Trust.Total > ranked[j].Trust.Total
	})

	cached := make([]cachedScore, len(ranked))
	for i, sp := range ranked {
		cached[i] = cachedScore{ScoredProvider: sp, Endpoint: sp.Provider.Endpoint}
	}
	if data, err := json.Marshal(cached); err == nil {
		if err := s.cache.Set(ctx, key, string(data), cacheTTL); err != nil {
			slog.Warn("writing score cache", "key", key, "error", err)
		}
	}
	return ranked, nil
}

func (s *Selector) readCache(ctx context.Context, key string) ([]ScoredProvider, bool) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("reading score cache", "key", key, "error", err)
		}
		return nil, false
	}
	var cached []cachedScore
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		slog.Warn("decoding cached scores", "key", key, "error", err)
		return nil, false
	}
	out := make([]ScoredProvider, len(cached))
	for i, c := range cached {
		if c.Provider == nil {
			return nil, false
		}
		c.Provider.Endpoint = c.Endpoint
		out[i] = c.ScoredProvider
	}
	return out, true
}

func (s *Selector) cacheKey(ctx context.Context, category string, w trust.Weights) string {
	gen := "0"
	if v, err := s.cache.Get(ctx, generationKey(category)); err == nil {
		gen = v
	}
	return fmt.Sprintf("scores:%s:g%s:%s", category, gen, w.Key())
}

func generationKey(category string) string {
	return "scores:gen:" + category
}

func (s *Selector) observe(result string) {
	if s.metrics != nil {
		s.metrics.IncScoreCache(result)
	}
}

func decayed(entries []trust.FeedbackEntry, now time.Time) *float64 {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > trust.MaxFeedbackWindow {
		entries = entries[:trust.MaxFeedbackWindow]
	}
	d := trust.DecayedAverage(entries, now)
	return &d
}

func reason(sp ScoredProvider) string {
	p := sp.Provider
	parts := []string{fmt.Sprintf("trust score %.2f", sp.Trust.Total)}
	if sp.IsFavorite {
		parts = append(parts, fmt.Sprintf("favorite (priority %d)", sp.FavoritePriority))
	}
	if sp.IsPreferred {
		parts = append(parts, "preferred by caller")
	}
	parts = append(parts,
		fmt.Sprintf("avg latency %.0fms", p.AvgLatencyMs),
		fmt.Sprintf("price %.4f %s", p.BasePrice, p.Currency),
	)
	return strings.Join(parts, "; ")
}
