package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/go-chi/chi/v5"
)

// accountsHandler groups plan, account, agent and budget handlers.
type accountsHandler struct {
	store       AccountStore
	budgetStore BudgetStore
}

func newAccountsHandler(store AccountStore, budgetStore BudgetStore) *accountsHandler {
	return &accountsHandler{
		store:       store,
		budgetStore: budgetStore,
	}
}

// UpsertPlan handles PUT /api/v1/admin/plans/{id}.
func (h *accountsHandler) UpsertPlan(w http.ResponseWriter, r *http.Request) {
	var plan account.Plan
	if err := readJSON(r, &plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	plan.ID = chi.URLParam(r, "id")

	switch {
	case strings.TrimSpace(plan.Name) == "":
		gwerr.Write(w, &gwerr.ValidationError{Field: "name", Message: "is required"})
		return
	case plan.Tier == "":
		gwerr.Write(w, &gwerr.ValidationError{Field: "tier", Message: "is required"})
		return
	case plan.DailyLimit < 0:
		gwerr.Write(w, &gwerr.ValidationError{Field: "daily_limit", Message: "must not be negative"})
		return
	case plan.RoutingFeePct < 0 || plan.RoutingFeePct > 100:
		gwerr.Write(w, &gwerr.ValidationError{Field: "routing_fee_pct", Message: "must be between 0 and 100"})
		return
	}
	if plan.Features == nil {
		plan.Features = []string{}
	}

	out, err := h.store.UpsertPlan(r.Context(), plan)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	auditLog(r, "upsert", "plan", out.ID, "tier", out.Tier)

	writeJSON(w, http.StatusOK, out)
}

// CreateAccount handles POST /api/v1/admin/accounts.
func (h *accountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var in account.CreateAccountInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		gwerr.Write(w, &gwerr.ValidationError{Field: "name", Message: "is required"})
		return
	}
	if in.PlanID == "" {
		gwerr.Write(w, &gwerr.ValidationError{Field: "plan_id", Message: "is required"})
		return
	}
	if _, err := h.store.GetPlan(r.Context(), in.PlanID); err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.ValidationError{Field: "plan_id", Message: "unknown plan " + strconv.Quote(in.PlanID)})
			return
		}
		writeErr(w, r, err)
		return
	}

	acct, err := h.store.CreateAccount(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	auditLog(r, "create", "account", acct.ID, "name", acct.Name, "plan_id", acct.PlanID)

	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/admin/accounts/{id}.
func (h *accountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "account", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// createAgentRequest is the JSON body for creating an agent.
type createAgentRequest struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	RateLimit int    `json:"rate_limit"`
}

// CreateAgent handles POST /api/v1/admin/agents.
// Generates an API key and returns the plaintext key in the response (only time it is shown).
func (h *accountsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		gwerr.Write(w, &gwerr.ValidationError{Field: "name", Message: "is required"})
		return
	}
	if req.AccountID == "" {
		gwerr.Write(w, &gwerr.ValidationError{Field: "account_id", Message: "is required"})
		return
	}
	if req.RateLimit < 0 {
		gwerr.Write(w, &gwerr.ValidationError{Field: "rate_limit", Message: "must not be negative"})
		return
	}
	if _, err := h.store.GetAccount(r.Context(), req.AccountID); err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.ValidationError{Field: "account_id", Message: "unknown account " + strconv.Quote(req.AccountID)})
			return
		}
		writeErr(w, r, err)
		return
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	ag, err := h.store.CreateAgent(r.Context(), account.CreateAgentInput{
		AccountID:    req.AccountID,
		Name:         req.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	auditLog(r, "create", "agent", ag.ID, "name", ag.Name, "account_id", ag.AccountID)

	resp := map[string]interface{}{
		"id":             ag.ID,
		"account_id":     ag.AccountID,
		"name":           ag.Name,
		"api_key_prefix": ag.APIKeyPrefix,
		"api_key":        plaintext,
		"rate_limit":     ag.RateLimit,
		"created_at":     ag.CreatedAt,
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetAgent handles GET /api/v1/admin/agents/{id}.
func (h *accountsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ag, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "agent", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// ListAgents handles GET /api/v1/admin/agents.
func (h *accountsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	params := account.AgentListParams{
		AccountID: r.URL.Query().Get("account_id"),
		Cursor:    r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	agents, nextCursor, err := h.store.ListAgents(r.Context(), params)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]interface{}{
		"agents": agents,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSelf handles GET /api/v1/agents/me (agent-authed).
// Returns the stored agent together with the plan it acts under.
func (h *accountsHandler) GetSelf(w http.ResponseWriter, r *http.Request) {
	authAgent := auth.AgentFromContext(r.Context())

	ag, err := h.store.GetAgent(r.Context(), authAgent.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent": ag,
		"plan": map[string]interface{}{
			"id":              authAgent.Plan.ID,
			"name":            authAgent.Plan.Name,
			"tier":            authAgent.Plan.Tier,
			"daily_limit":     authAgent.Plan.DailyLimit,
			"routing_fee_pct": authAgent.Plan.RoutingFeePct,
			"features":        authAgent.Plan.Features,
		},
	})
}

// setBudgetRequest is the JSON body for setting an agent budget.
type setBudgetRequest struct {
	LimitUSD   float64 `json:"limit_usd"`
	HardCap    bool    `json:"hard_cap"`
	PeriodType string  `json:"period_type"`
}

// SetBudget handles PUT /api/v1/admin/agents/{agentID}/budgets.
func (h *accountsHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req setBudgetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.LimitUSD < 0 {
		gwerr.Write(w, &gwerr.ValidationError{Field: "limit_usd", Message: "must not be negative"})
		return
	}

	if _, err := h.store.GetAgent(r.Context(), agentID); err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "agent", ID: agentID})
			return
		}
		writeErr(w, r, err)
		return
	}

	b, err := h.budgetStore.Set(r.Context(), account.SetBudgetInput{
		AgentID:    agentID,
		LimitUSD:   req.LimitUSD,
		HardCap:    req.HardCap,
		PeriodType: req.PeriodType,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	auditLog(r, "upsert", "budget", b.ID, "agent_id", agentID, "limit_usd", b.LimitUSD, "period_type", b.PeriodType)

	writeJSON(w, http.StatusOK, b)
}

// ListBudgets handles GET /api/v1/admin/agents/{agentID}/budgets.
func (h *accountsHandler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	budgets, err := h.budgetStore.ListByAgent(r.Context(), agentID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if budgets == nil {
		budgets = []*account.Budget{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"budgets": budgets})
}

// GetOwnBudget handles GET /api/v1/budgets/{id} (agent-authed). Agents only
// see their own budgets; anything else reads as missing.
func (h *accountsHandler) GetOwnBudget(w http.ResponseWriter, r *http.Request) {
	agent := auth.AgentFromContext(r.Context())
	id := chi.URLParam(r, "id")

	b, err := h.budgetStore.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			gwerr.Write(w, &gwerr.NotFoundError{Resource: "budget", ID: id})
			return
		}
		writeErr(w, r, err)
		return
	}
	if b.AgentID != agent.ID {
		gwerr.Write(w, &gwerr.NotFoundError{Resource: "budget", ID: id})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"budget":    b,
		"remaining": b.Remaining(),
	})
}
