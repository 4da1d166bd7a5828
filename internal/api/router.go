package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/circuit"
	"github.com/alecgard/trustgate/internal/events"
	"github.com/alecgard/trustgate/internal/metering"
	"github.com/alecgard/trustgate/internal/metrics"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/ratelimit"
	"github.com/alecgard/trustgate/internal/reputation"
	"github.com/alecgard/trustgate/internal/router"
	"github.com/alecgard/trustgate/internal/selector"
	"github.com/alecgard/trustgate/internal/trust"
	"github.com/alecgard/trustgate/internal/usage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProviderService registers and looks up providers.
type ProviderService interface {
	Create(ctx context.Context, input provider.CreateProviderInput) (*provider.Provider, error)
	GetByID(ctx context.Context, id string) (*provider.Provider, error)
	List(ctx context.Context, params provider.ListParams) ([]*provider.Provider, string, error)
}

// FeedbackStore appends and reads provider ratings.
type FeedbackStore interface {
	Append(ctx context.Context, providerID, agentID string, score int, at time.Time) error
	RecentFeedback(ctx context.Context, providerID string, limit int) ([]trust.FeedbackEntry, error)
}

// FavoriteStore records an agent's preferred providers.
type FavoriteStore interface {
	ListFavorites(ctx context.Context, agentID string) (map[string]provider.Favorite, error)
	SetFavorite(ctx context.Context, agentID, providerID string, priority int) error
}

// Ranker scores providers and owns the score cache.
type Ranker interface {
	DiscoverAndScore(ctx context.Context, category string, opts selector.DiscoverOptions) ([]selector.ScoredProvider, error)
	ScoreOne(p *provider.Provider, feedback []trust.FeedbackEntry, w trust.Weights) trust.Breakdown
	Invalidate(ctx context.Context, category string)
}

// RouteExecutor runs a routed request end to end.
type RouteExecutor interface {
	Route(ctx context.Context, req router.RouteRequest) (*router.RouteResult, error)
}

// AccountStore manages plans, accounts and agents.
type AccountStore interface {
	UpsertPlan(ctx context.Context, p account.Plan) (*account.Plan, error)
	GetPlan(ctx context.Context, id string) (*account.Plan, error)
	CreateAccount(ctx context.Context, in account.CreateAccountInput) (*account.Account, error)
	GetAccount(ctx context.Context, id string) (*account.Account, error)
	CreateAgent(ctx context.Context, in account.CreateAgentInput) (*account.Agent, error)
	GetAgent(ctx context.Context, id string) (*account.Agent, error)
	ListAgents(ctx context.Context, params account.AgentListParams) ([]*account.Agent, string, error)
}

// BudgetStore manages agent budgets.
type BudgetStore interface {
	Set(ctx context.Context, in account.SetBudgetInput) (*account.Budget, error)
	Get(ctx context.Context, id string) (*account.Budget, error)
	ListByAgent(ctx context.Context, agentID string) ([]*account.Budget, error)
}

// UsageStore reads recorded transactions.
type UsageStore interface {
	GetSummary(ctx context.Context, q metering.UsageQuery) (*metering.UsageSummary, error)
	ListTransactions(ctx context.Context, q metering.UsageQuery) ([]*metering.Transaction, string, error)
}

// ReputationSink accepts reputation updates without blocking.
type ReputationSink interface {
	Enqueue(u reputation.Update)
}

// RouterDeps holds all dependencies for the API router. Nil collaborators
// disable the routes and middleware that need them.
type RouterDeps struct {
	Providers  ProviderService
	Feedback   FeedbackStore
	Favorites  FavoriteStore
	Ranker     Ranker
	Breaker    *circuit.Breaker
	Router     RouteExecutor
	Accounts   AccountStore
	Budgets    BudgetStore
	Usage      UsageStore
	Reputation ReputationSink
	Events     events.Sink
	Auth       *auth.Service
	Limiter    *ratelimit.Limiter
	Gate       *usage.Gate
	Metrics    *metrics.Metrics
	DBPool     Pinger
	KV         Pinger

	AdminKey       string
	AllowedOrigins []string
	ExemptPaths    []string
	DefaultFeePct  float64
	Now            func() time.Time
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Handlers.
	providers := newProvidersHandler(deps)
	routes := newRouteHandler(deps)
	accounts := newAccountsHandler(deps.Accounts, deps.Budgets)
	usageH := newUsageHandler(deps.Usage)

	// Health check and discovery manifest.
	r.Get("/health", healthHandler(deps.DBPool, deps.KV))
	r.Get("/.well-known/trustgate.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.PrometheusHandler())
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		if deps.Metrics != nil {
			ar.Use(deps.Metrics.HTTPMiddleware("management"))
		}
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))

		ar.Get("/providers", providers.ListProviders)
		ar.Post("/providers", providers.CreateProvider)

		ar.Put("/plans/{id}", accounts.UpsertPlan)
		ar.Post("/accounts", accounts.CreateAccount)
		ar.Get("/accounts/{id}", accounts.GetAccount)

		ar.Post("/agents", accounts.CreateAgent)
		ar.Get("/agents", accounts.ListAgents)
		ar.Get("/agents/{id}", accounts.GetAgent)

		ar.Put("/agents/{agentID}/budgets", accounts.SetBudget)
		ar.Get("/agents/{agentID}/budgets", accounts.ListBudgets)

		ar.Get("/usage", usageH.GetUsageAdmin)
		ar.Get("/usage/transactions", func(w http.ResponseWriter, r *http.Request) {
			usageH.ListTransactions(w, r, true)
		})
	})

	// Gateway routes. Discovery and evaluation are open to anonymous callers
	// under the IP limit; everything else needs an agent key.
	r.Route("/api/v1", func(ar chi.Router) {
		if deps.Metrics != nil {
			ar.Use(deps.Metrics.HTTPMiddleware("route"))
		}
		if deps.Auth != nil {
			ar.Use(auth.OptionalAgentAuthMiddleware(deps.Auth))
		}
		if deps.Limiter != nil {
			opts := ratelimit.MiddlewareOptions{ExemptPrefixes: deps.ExemptPaths}
			if deps.Metrics != nil {
				opts.Metrics = deps.Metrics
			}
			ar.Use(ratelimit.Middleware(deps.Limiter, opts))
		}
		if deps.Gate != nil {
			ar.Use(usage.Middleware(deps.Gate, deps.ExemptPaths))
		}

		ar.Get("/providers", providers.Discover)
		ar.Get("/providers/{id}/evaluate", providers.Evaluate)

		ar.Group(func(ag chi.Router) {
			ag.Use(requireAgent)

			ag.Post("/providers/{id}/feedback", providers.SubmitFeedback)
			ag.Put("/providers/{id}/favorite", providers.SetFavorite)
			ag.Get("/favorites", providers.ListFavorites)

			ag.Post("/route/{category}", routes.Route)

			ag.Get("/budgets/{id}", accounts.GetOwnBudget)
			ag.Get("/agents/me", accounts.GetSelf)

			ag.Get("/usage", usageH.GetUsage)
			ag.Get("/usage/transactions", func(w http.ResponseWriter, r *http.Request) {
				usageH.ListTransactions(w, r, false)
			})
		})
	})

	return r
}

// healthHandler reports the reachability of the database and the kv store.
// A nil pinger counts as healthy.
func healthHandler(db, kv Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok", "database": "connected"}
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				slog.Warn("health check: database unreachable", "error", err)
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["database"] = "disconnected"
			}
		}
		if kv != nil {
			body["kv"] = "connected"
			if err := kv.Ping(ctx); err != nil {
				slog.Warn("health check: kv store unreachable", "error", err)
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["kv"] = "disconnected"
			}
		}
		writeJSON(w, status, body)
	}
}

// requireAgent rejects requests that reached it without an authenticated
// agent.
func requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.AgentFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed authorization header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
