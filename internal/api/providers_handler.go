package api

import (
	"net/http"
	"strconv"

	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/circuit"
	"github.com/alecgard/trustgate/internal/events"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/reputation"
	"github.com/alecgard/trustgate/internal/selector"
	"github.com/alecgard/trustgate/internal/trust"
	"github.com/go-chi/chi/v5"
)

// providersHandler groups provider discovery, evaluation and feedback
// handlers.
type providersHandler struct {
	deps RouterDeps
}

func newProvidersHandler(deps RouterDeps) *providersHandler {
	return &providersHandler{deps: deps}
}

// Discover handles GET /api/v1/providers?category=&limit=&min_trust=&max_price=&weights=&healthy=.
func (h *providersHandler) Discover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := provider.NormalizeCategory(q.Get("category"))
	if category == "" {
		gwerr.Write(w, &gwerr.ValidationError{Field: "category", Message: "is required"})
		return
	}

	opts := selector.DiscoverOptions{}
	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		opts.Limit = l
	}
	if v := q.Get("min_trust"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > trust.MaxScore {
			gwerr.Write(w, &gwerr.ValidationError{Field: "min_trust", Message: "must be a number from 0 to 5"})
			return
		}
		opts.MinTrust = f
	}
	if v := q.Get("max_price"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			gwerr.Write(w, &gwerr.ValidationError{Field: "max_price", Message: "must be a non-negative number"})
			return
		}
		opts.MaxPrice = &f
	}
	if name := q.Get("weights"); name != "" {
		wts, ok := trust.Named(name)
		if !ok {
			gwerr.Write(w, &gwerr.ValidationError{Field: "weights", Message: "unknown preset " + strconv.Quote(name)})
			return
		}
		opts.Weights = &wts
	}

	ranked, err := h.deps.Ranker.DiscoverAndScore(r.Context(), category, opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if q.Get("healthy") == "true" && h.deps.Breaker != nil {
		ranked = circuit.FilterHealthy(r.Context(), h.deps.Breaker, ranked)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"category":  category,
		"providers": ranked,
	})
}

// Evaluate handles GET /api/v1/providers/{id}/evaluate. It returns the full
// trust breakdown of one provider together with its circuit state.
func (h *providersHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.deps.Providers.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "provider", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}

	weights := trust.DefaultWeights
	if name := r.URL.Query().Get("weights"); name != "" {
		wts, ok := trust.Named(name)
		if !ok {
			gwerr.Write(w, &gwerr.ValidationError{Field: "weights", Message: "unknown preset " + strconv.Quote(name)})
			return
		}
		weights = wts
	}

	feedback, err := h.deps.Feedback.RecentFeedback(r.Context(), id, trust.MaxFeedbackWindow)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"provider":       p,
		"trust":          h.deps.Ranker.ScoreOne(p, feedback, weights),
		"weights":        weights,
		"feedback_count": len(feedback),
	}
	if h.deps.Breaker != nil {
		rec, err := h.deps.Breaker.State(r.Context(), id)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		resp["circuit"] = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

type feedbackRequest struct {
	Score int `json:"score"`
}

// SubmitFeedback handles POST /api/v1/providers/{id}/feedback (agent-authed).
// The rating is stored, forwarded to the reputation ledger with the new
// decayed average, and the category's cached rankings are discarded.
func (h *providersHandler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	agent := auth.AgentFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req feedbackRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if err := provider.ValidateFeedbackScore(req.Score); err != nil {
		gwerr.Write(w, &gwerr.ValidationError{Field: "score", Message: err.Error()})
		return
	}

	p, err := h.deps.Providers.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "provider", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}

	now := h.deps.Now()
	if err := h.deps.Feedback.Append(r.Context(), id, agent.ID, req.Score, now); err != nil {
		writeErr(w, r, err)
		return
	}

	feedback, err := h.deps.Feedback.RecentFeedback(r.Context(), id, trust.MaxFeedbackWindow)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	decayed := trust.DecayedAverage(feedback, now)

	if h.deps.Reputation != nil {
		h.deps.Reputation.Enqueue(reputation.Update{
			ProviderID: id,
			AgentID:    agent.ID,
			Kind:       reputation.KindFeedback,
			Positive:   req.Score >= 3,
			Score:      decayed,
			Delta:      1,
			At:         now,
		})
	}
	h.deps.Ranker.Invalidate(r.Context(), p.Category)
	h.deps.Events.Emit(events.Event{
		Type: events.TrustUpdated,
		At:   now,
		Data: map[string]any{
			"provider_id":      id,
			"category":         p.Category,
			"agent_id":         agent.ID,
			"score":            req.Score,
			"decayed_feedback": decayed,
		},
	})

	auditLog(r, "create", "feedback", id, "score", req.Score)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"provider_id":      id,
		"score":            req.Score,
		"decayed_feedback": decayed,
		"feedback_count":   len(feedback),
	})
}

type favoriteRequest struct {
	Priority int `json:"priority"`
}

// SetFavorite handles PUT /api/v1/providers/{id}/favorite (agent-authed).
func (h *providersHandler) SetFavorite(w http.ResponseWriter, r *http.Request) {
	agent := auth.AgentFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req favoriteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Priority < 0 || req.Priority > 100 {
		gwerr.Write(w, &gwerr.ValidationError{Field: "priority", Message: "must be between 0 and 100"})
		return
	}

	if _, err := h.deps.Providers.GetByID(r.Context(), id); err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "provider", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}

	if err := h.deps.Favorites.SetFavorite(r.Context(), agent.ID, id, req.Priority); err != nil {
		writeErr(w, r, err)
		return
	}

	auditLog(r, "update", "favorite", id, "priority", req.Priority)

	writeJSON(w, http.StatusOK, provider.Favorite{AgentID: agent.ID, ProviderID: id, Priority: req.Priority})
}

// ListFavorites handles GET /api/v1/favorites (agent-authed).
func (h *providersHandler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	agent := auth.AgentFromContext(r.Context())

	favs, err := h.deps.Favorites.ListFavorites(r.Context(), agent.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out := make([]provider.Favorite, 0, len(favs))
	for _, f := range favs {
		out = append(out, f)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": out})
}

// CreateProvider handles POST /api/v1/admin/providers.
func (h *providersHandler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var input provider.CreateProviderInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	p, err := h.deps.Providers.Create(r.Context(), input)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.deps.Ranker.Invalidate(r.Context(), p.Category)

	auditLog(r, "create", "provider", p.ID, "name", p.Name, "category", p.Category)

	writeJSON(w, http.StatusCreated, p)
}

// ListProviders handles GET /api/v1/admin/providers.
func (h *providersHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	params := provider.ListParams{
		Cursor:   r.URL.Query().Get("cursor"),
		Category: r.URL.Query().Get("category"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	providers, nextCursor, err := h.deps.Providers.List(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"providers": providers,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
