package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the trustgate gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Routing metrics.
	RouteAttemptsTotal  *prometheus.CounterVec
	RouteOutcomesTotal  *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	ScoreCacheTotal     *prometheus.CounterVec
	CircuitTransitions  *prometheus.CounterVec
	SettlementsTotal    *prometheus.CounterVec
	UpstreamErrorsTotal *prometheus.CounterVec

	// Admission metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec
	BudgetRejectionsTotal    *prometheus.CounterVec

	// Async sink metrics.
	CollectorFlushesTotal *prometheus.CounterVec
	EventsTotal           *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		RouteAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_route_attempts_total",
			Help: "Total number of provider attempts by result.",
		}, []string{"category", "result"}),

		RouteOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_route_outcomes_total",
			Help: "Total number of routed requests by outcome.",
		}, []string{"category", "outcome"}),

		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trustgate_provider_latency_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider_id", "success"}),

		ScoreCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_score_cache_total",
			Help: "Score cache lookups by result.",
		}, []string{"result"}),

		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_circuit_transitions_total",
			Help: "Circuit breaker state transitions by target state.",
		}, []string{"to"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_settlements_total",
			Help: "Completed settlements by payment mode and status.",
		}, []string{"mode", "status"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_upstream_errors_total",
			Help: "Total number of provider request errors by error type.",
		}, []string{"error_type"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"kind"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_budget_rejections_total",
			Help: "Total number of usage and budget rejections.",
		}, []string{"reason"}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_collector_flushes_total",
			Help: "Total number of async sink flushes.",
		}, []string{"sink", "status"}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_events_total",
			Help: "Gateway events by type and publish result.",
		}, []string{"type", "result"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trustgate_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trustgate_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RouteAttemptsTotal,
		m.RouteOutcomesTotal,
		m.ProviderLatency,
		m.ScoreCacheTotal,
		m.CircuitTransitions,
		m.SettlementsTotal,
		m.UpstreamErrorsTotal,
		m.RateLimitRejectionsTotal,
		m.BudgetRejectionsTotal,
		m.CollectorFlushesTotal,
		m.EventsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// HTTPMiddleware records request counts and durations labelled with the
// matched chi route pattern, so path parameters do not explode cardinality.
func (m *Metrics) HTTPMiddleware(kind string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					pattern = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(kind, r.Method, pattern, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(kind, r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

// IncRouteAttempt counts one provider attempt.
func (m *Metrics) IncRouteAttempt(category, result string) {
	m.RouteAttemptsTotal.WithLabelValues(category, result).Inc()
}

// IncRouteOutcome counts the final outcome of a routed request.
func (m *Metrics) IncRouteOutcome(category, outcome string) {
	m.RouteOutcomesTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveProviderLatency records a provider call duration.
func (m *Metrics) ObserveProviderLatency(providerID string, seconds float64, success bool) {
	m.ProviderLatency.WithLabelValues(providerID, strconv.FormatBool(success)).Observe(seconds)
}

// IncScoreCache counts a score cache hit or miss.
func (m *Metrics) IncScoreCache(result string) {
	m.ScoreCacheTotal.WithLabelValues(result).Inc()
}

// IncCircuitTransition counts a circuit moving to a new state.
func (m *Metrics) IncCircuitTransition(to string) {
	m.CircuitTransitions.WithLabelValues(to).Inc()
}

// IncSettlement counts a completed settlement.
func (m *Metrics) IncSettlement(mode, status string) {
	m.SettlementsTotal.WithLabelValues(mode, status).Inc()
}

// IncUpstreamError increments the upstream error counter with error type classification.
func (m *Metrics) IncUpstreamError(errorType string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(kind string) {
	m.RateLimitRejectionsTotal.WithLabelValues(kind).Inc()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncCollectorFlush counts a flush of one of the batching sinks.
func (m *Metrics) IncCollectorFlush(sink, result string) {
	m.CollectorFlushesTotal.WithLabelValues(sink, result).Inc()
}

// IncEvent counts an event publish attempt.
func (m *Metrics) IncEvent(eventType, result string) {
	m.EventsTotal.WithLabelValues(eventType, result).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
