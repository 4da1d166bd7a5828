package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	Mode       string         `json:"mode"`
	HTTP       httpSummary    `json:"http"`
	Management httpSummary    `json:"management"`
	Routing    routingSummary `json:"routing"`
	Settlement settlementInfo `json:"settlement"`
	Circuit    circuitInfo    `json:"circuit"`
	ScoreCache cacheInfo      `json:"scoreCache"`
	RateLimit  rejectionInfo  `json:"rateLimit"`
	Budget     rejectionInfo  `json:"budget"`
	Collector  collectorInfo  `json:"collector"`
	Events     eventsInfo     `json:"events"`
	Auth       authInfo       `json:"auth"`
	DB         dbInfo         `json:"db"`
	Server     serverInfo     `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type routingSummary struct {
	Attempts           float64 `json:"attempts"`
	FailedAttempts     float64 `json:"failedAttempts"`
	Succeeded          float64 `json:"succeeded"`
	Exhausted          float64 `json:"exhausted"`
	NoProviders        float64 `json:"noProviders"`
	P50ProviderLatency float64 `json:"p50ProviderLatency"`
	P95ProviderLatency float64 `json:"p95ProviderLatency"`
}

type settlementInfo struct {
	ByMode         map[string]float64 `json:"byMode"`
	UpstreamErrors float64            `json:"upstreamErrors"`
}

type circuitInfo struct {
	Opened   float64 `json:"opened"`
	HalfOpen float64 `json:"halfOpen"`
}

type cacheInfo struct {
	Hits    float64 `json:"hits"`
	Misses  float64 `json:"misses"`
	HitRate float64 `json:"hitRate"`
}

type rejectionInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Dropped      float64 `json:"dropped"`
}

type eventsInfo struct {
	Published float64 `json:"published"`
	Dropped   float64 `json:"dropped"`
	Errors    float64 `json:"errors"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	hits := sumCounterWithLabel(fam["trustgate_score_cache_total"], "result", "hit")
	misses := sumCounterWithLabel(fam["trustgate_score_cache_total"], "result", "miss")
	var hitRate float64
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	summary := Summary{
		Mode:       "live",
		HTTP:       httpFor(fam, "route"),
		Management: httpFor(fam, "management"),
		Routing: routingSummary{
			Attempts:           sumCounter(fam["trustgate_route_attempts_total"]),
			FailedAttempts:     sumCounterWithLabel(fam["trustgate_route_attempts_total"], "result", "failure"),
			Succeeded:          sumCounterWithLabel(fam["trustgate_route_outcomes_total"], "outcome", "success"),
			Exhausted:          sumCounterWithLabel(fam["trustgate_route_outcomes_total"], "outcome", "exhausted"),
			NoProviders:        sumCounterWithLabel(fam["trustgate_route_outcomes_total"], "outcome", "no_providers"),
			P50ProviderLatency: histogramPercentile(fam["trustgate_provider_latency_seconds"], 0.50),
			P95ProviderLatency: histogramPercentile(fam["trustgate_provider_latency_seconds"], 0.95),
		},
		Settlement: settlementInfo{
			ByMode:         sumByLabel(fam["trustgate_settlements_total"], "mode"),
			UpstreamErrors: sumCounter(fam["trustgate_upstream_errors_total"]),
		},
		Circuit: circuitInfo{
			Opened:   sumCounterWithLabel(fam["trustgate_circuit_transitions_total"], "to", "open"),
			HalfOpen: sumCounterWithLabel(fam["trustgate_circuit_transitions_total"], "to", "half-open"),
		},
		ScoreCache: cacheInfo{Hits: hits, Misses: misses, HitRate: hitRate},
		RateLimit: rejectionInfo{
			Rejections: sumCounter(fam["trustgate_ratelimit_rejections_total"]),
		},
		Budget: rejectionInfo{
			Rejections: sumCounter(fam["trustgate_budget_rejections_total"]),
		},
		Collector: collectorInfo{
			TotalFlushes: sumCounter(fam["trustgate_collector_flushes_total"]),
			FlushErrors:  sumCounterWithLabel(fam["trustgate_collector_flushes_total"], "status", "error"),
			Dropped:      sumCounterWithLabel(fam["trustgate_collector_flushes_total"], "status", "dropped"),
		},
		Events: eventsInfo{
			Published: sumCounterWithLabel(fam["trustgate_events_total"], "result", "published"),
			Dropped:   sumCounterWithLabel(fam["trustgate_events_total"], "result", "dropped"),
			Errors:    sumCounterWithLabel(fam["trustgate_events_total"], "result", "error"),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["trustgate_auth_failures_total"]),
			Successes: sumCounter(fam["trustgate_auth_successes_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["trustgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["trustgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["trustgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["trustgate_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["trustgate_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

func httpFor(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	return httpSummary{
		TotalRequests: sumCounterWithLabel(fam["trustgate_http_requests_total"], "kind", kind),
		ErrorRate:     computeErrorRateWithLabel(fam["trustgate_http_requests_total"], "kind", kind),
		P50Latency:    histogramPercentileWithLabel(fam["trustgate_http_request_duration_seconds"], 0.50, "kind", kind),
		P95Latency:    histogramPercentileWithLabel(fam["trustgate_http_request_duration_seconds"], 0.95, "kind", kind),
		P99Latency:    histogramPercentileWithLabel(fam["trustgate_http_request_duration_seconds"], 0.99, "kind", kind),
	}
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// sumByLabel totals a counter family grouped by one label.
func sumByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
