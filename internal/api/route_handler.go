package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/events"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/router"
	"github.com/alecgard/trustgate/internal/selector"
	"github.com/alecgard/trustgate/internal/trust"
	"github.com/go-chi/chi/v5"
)

// routeHandler serves routed provider calls.
type routeHandler struct {
	deps RouterDeps
}

func newRouteHandler(deps RouterDeps) *routeHandler {
	return &routeHandler{deps: deps}
}

// routeRequest is the JSON body of a routed call. Weights and WeightPreset
// are mutually exclusive and both need the custom_weights plan feature.
type routeRequest struct {
	Payload      json.RawMessage       `json:"payload"`
	Preferences  selector.Preferences  `json:"preferences"`
	Weights      *trust.WeightOverride `json:"weights,omitempty"`
	WeightPreset string                `json:"weight_preset,omitempty"`
	BudgetID     string                `json:"budget_id,omitempty"`
}

// Route handles POST /api/v1/route/{category} (agent-authed). The plan and
// budget are checked before the router is entered.
func (h *routeHandler) Route(w http.ResponseWriter, r *http.Request) {
	agent := auth.AgentFromContext(r.Context())
	category := provider.NormalizeCategory(chi.URLParam(r, "category"))

	if !agent.Plan.Has(auth.FeatureRouting) {
		gwerr.Write(w, &gwerr.PlanFeatureError{Feature: auth.FeatureRouting, Plan: agent.Plan.Name})
		return
	}

	var req routeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	weights, err := resolveWeights(agent.Plan, req.Weights, req.WeightPreset)
	if err != nil {
		gwerr.Write(w, err)
		return
	}
	if err := validatePreferences(req.Preferences); err != nil {
		gwerr.Write(w, err)
		return
	}

	if req.BudgetID != "" {
		if !h.checkBudget(w, r, agent, req.BudgetID) {
			return
		}
	}

	feePct := h.deps.DefaultFeePct
	if agent.Plan.ID != "" {
		feePct = agent.Plan.RoutingFeePct
	}

	res, err := h.deps.Router.Route(r.Context(), router.RouteRequest{
		Category:    category,
		AgentID:     agent.ID,
		AccountID:   agent.AccountID,
		Preferences: req.Preferences,
		Weights:     weights,
		BudgetID:    req.BudgetID,
		Payload:     req.Payload,
		FeePct:      feePct,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	w.Header().Set("X-Provider-ID", res.Provider.ID)
	w.Header().Set("X-Route-Attempt", strconv.Itoa(res.Attempt))
	writeJSON(w, http.StatusOK, res)
}

// checkBudget enforces the hard cap of the caller's budget and emits a
// warning event when spend nears the limit. It writes the error response
// itself and reports whether the request may continue.
func (h *routeHandler) checkBudget(w http.ResponseWriter, r *http.Request, agent *auth.Agent, budgetID string) bool {
	b, err := h.deps.Budgets.Get(r.Context(), budgetID)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "budget", ID: budgetID})
			return false
		}
		writeErr(w, r, err)
		return false
	}
	if b.AgentID != agent.ID {
		gwerr.Write(w, &gwerr.NotFoundError{Resource: "budget", ID: budgetID})
		return false
	}

	now := h.deps.Now()
	warn, err := account.Check(b, now)
	if err != nil {
		gwerr.Write(w, err)
		return false
	}
	if warn {
		h.deps.Events.Emit(events.Event{
			Type: events.BudgetWarning,
			At:   now,
			Data: map[string]any{
				"agent_id":  agent.ID,
				"budget_id": b.ID,
				"spent_usd": b.SpentUSD,
				"limit_usd": b.LimitUSD,
			},
		})
	}
	return true
}

// resolveWeights turns the caller's weight choice into a vector, or nil for
// the defaults.
func resolveWeights(plan auth.Plan, override *trust.WeightOverride, preset string) (*trust.Weights, error) {
	if override == nil && preset == "" {
		return nil, nil
	}
	if !plan.Has(auth.FeatureCustomWeights) {
		return nil, &gwerr.PlanFeatureError{Feature: auth.FeatureCustomWeights, Plan: plan.Name}
	}
	if override != nil && preset != "" {
		return nil, &gwerr.ValidationError{Field: "weights", Message: "weights and weight_preset are mutually exclusive"}
	}

	var w trust.Weights
	if preset != "" {
		named, ok := trust.Named(preset)
		if !ok {
			return nil, &gwerr.ValidationError{Field: "weight_preset", Message: "unknown preset " + strconv.Quote(preset)}
		}
		w = named
	} else {
		w = trust.Normalize(*override)
	}
	if err := w.Validate(); err != nil {
		return nil, &gwerr.ValidationError{Field: "weights", Message: err.Error()}
	}
	return &w, nil
}

func validatePreferences(p selector.Preferences) error {
	if p.MaxPrice != nil && *p.MaxPrice < 0 {
		return &gwerr.ValidationError{Field: "preferences.max_price", Message: "must not be negative"}
	}
	if p.MinTrustScore != nil && (*p.MinTrustScore < 0 || *p.MinTrustScore > trust.MaxScore) {
		return &gwerr.ValidationError{Field: "preferences.min_trust_score", Message: "must be between 0 and 5"}
	}
	if p.MaxLatencyMs != nil && *p.MaxLatencyMs <= 0 {
		return &gwerr.ValidationError{Field: "preferences.max_latency_ms", Message: "must be positive"}
	}
	return nil
}
