// Package usage enforces each account's daily request allowance. Free plans
// stop at the allowance; paid plans ask billing whether overage is allowed.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/billing"
	"github.com/alecgard/trustgate/internal/gwerr"
	"github.com/alecgard/trustgate/internal/kv"
)

// counterTTL keeps a day's counter around long enough to span time zones and
// late reads.
const counterTTL = 48 * time.Hour

// Decision is the outcome of a Check.
type Decision struct {
	Count   int64
	Limit   int64
	Overage int64
}

// MetricsRecorder is an optional interface for recording rejections.
type MetricsRecorder interface {
	IncBudgetRejection(reason string)
}

// Gate counts requests per account per UTC day.
type Gate struct {
	store   kv.Store
	billing billing.Collaborator
	metrics MetricsRecorder
	now     func() time.Time
}

// NewGate creates a Gate. A nil collaborator denies all overage.
func NewGate(store kv.Store, b billing.Collaborator) *Gate {
	if b == nil {
		b = billing.Static{}
	}
	return &Gate{store: store, billing: b, now: time.Now}
}

// SetMetrics sets the optional metrics recorder.
func (g *Gate) SetMetrics(m MetricsRecorder) {
	g.metrics = m
}

// SetClock replaces the time source.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// CounterKey returns the usage counter key for an account on a given day.
func CounterKey(accountID string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", accountID, day.UTC().Format("2006-01-02"))
}

// Check counts one request for the agent's account and decides whether it
// may proceed. Store and billing failures let the request through.
func (g *Gate) Check(ctx context.Context, agent *auth.Agent) (Decision, error) {
	plan := agent.Plan
	d := Decision{Limit: plan.DailyLimit}

	count, err := g.store.IncrWithTTL(ctx, CounterKey(agent.AccountID, g.now()), counterTTL)
	if err != nil {
		slog.Warn("usage counter unavailable, allowing request", "account_id", agent.AccountID, "error", err)
		return d, nil
	}
	d.Count = count
	if plan.DailyLimit <= 0 || count <= plan.DailyLimit {
		return d, nil
	}
	d.Overage = count - plan.DailyLimit

	if !plan.Paid() {
		g.reject("daily_limit_exceeded")
		return d, &gwerr.BudgetExceeded{
			Reason: "daily_limit_exceeded",
			Used:   float64(count - 1),
			Limit:  float64(plan.DailyLimit),
		}
	}

	allow, err := g.billing.AllowOverage(ctx, agent.AccountID, d.Overage)
	if err != nil {
		slog.Warn("billing unavailable, allowing overage", "account_id", agent.AccountID, "overage", d.Overage, "error", err)
		return d, nil
	}
	if !allow {
		g.reject("overage_blocked")
		return d, &gwerr.OverageBlocked{Overage: d.Overage}
	}
	return d, nil
}

func (g *Gate) reject(reason string) {
	if g.metrics != nil {
		g.metrics.IncBudgetRejection(reason)
	}
}

// Middleware applies the gate to requests carrying an authenticated agent.
// Anonymous requests and exempt paths pass through.
func Middleware(g *Gate, exemptPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agent := auth.AgentFromContext(r.Context())
			if agent == nil || exempt(r.URL.Path, exemptPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			d, err := g.Check(r.Context(), agent)
			if d.Limit > 0 {
				w.Header().Set("X-Usage-Limit", strconv.FormatInt(d.Limit, 10))
				w.Header().Set("X-Usage-Count", strconv.FormatInt(d.Count, 10))
			}
			if err != nil {
				gwerr.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func exempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
