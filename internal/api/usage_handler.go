package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/metering"
)

// usageHandler groups usage and transaction HTTP handlers.
type usageHandler struct {
	store UsageStore
}

func newUsageHandler(store UsageStore) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildUsageQuery constructs a UsageQuery from query params. Agents are
// scoped to their own account; admins may filter by any account or agent.
func buildUsageQuery(r *http.Request, isAdmin bool) (*metering.UsageQuery, error) {
	params := r.URL.Query()
	q := &metering.UsageQuery{
		ProviderID: params.Get("provider_id"),
		Category:   params.Get("category"),
		Cursor:     params.Get("cursor"),
	}

	if isAdmin {
		q.AccountID = params.Get("account_id")
		q.AgentID = params.Get("agent_id")
	} else {
		agent := auth.AgentFromContext(r.Context())
		if agent != nil {
			q.AccountID = agent.AccountID
		}
		if params.Get("scope") == "agent" && agent != nil {
			q.AgentID = agent.ID
		}
	}

	from, err := parseTimeParam(params.Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(params.Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	if limitStr := params.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil {
			return nil, lErr
		}
		if l < 1 {
			return nil, errors.New("limit must be a positive integer")
		}
		q.Limit = l
	}

	return q, nil
}

// GetUsage handles GET /api/v1/usage (agent-authed; scoped to the agent's account).
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.summary(w, r, false)
}

// GetUsageAdmin handles GET /api/v1/admin/usage (admin can query any account).
func (h *usageHandler) GetUsageAdmin(w http.ResponseWriter, r *http.Request) {
	h.summary(w, r, true)
}

func (h *usageHandler) summary(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildUsageQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *q)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   q,
		"summary": summary,
	})
}

// ListTransactions handles both the agent and admin transaction listings.
func (h *usageHandler) ListTransactions(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildUsageQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	txns, nextCursor, err := h.store.ListTransactions(r.Context(), *q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if txns == nil {
		txns = []*metering.Transaction{}
	}

	resp := map[string]interface{}{
		"transactions": txns,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
