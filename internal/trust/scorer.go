// Package trust computes provider trust scores from observed metrics,
// time-decayed user feedback and a configurable weight vector.
package trust

import (
	"fmt"
	"math"
	"time"
)

// MaxScore is the top of the trust scale.
const MaxScore = 5.0

// Scoring thresholds.
const (
	latencyCeilingMs    = 5000.0
	longevityFullDays   = 365.0
	volumeFullRequests  = 10000.0
	newProviderRequests = 10
	inactiveAfter       = 7 * day

	newProviderFactor = 0.8
	inactiveFactor    = 0.7
)

// Metrics is the provider snapshot the scorer reads.
type Metrics struct {
	SuccessRate   float64
	AvgLatencyMs  float64
	UptimePercent float64
	TrustScore    float64
	TotalRequests int64
	CreatedAt     time.Time
	LastSeenAt    *time.Time
}

// SignalScore is one signal's contribution to a breakdown.
type SignalScore struct {
	Weight   float64 `json:"weight"`
	Raw      float64 `json:"raw"`
	Weighted float64 `json:"weighted"`
}

// Breakdown is an auditable trust score: the total, every signal's raw and
// weighted value, and every penalty that was applied.
type Breakdown struct {
	Total     float64                `json:"total"`
	Signals   map[string]SignalScore `json:"signals"`
	Penalties []string               `json:"penalties"`
}

// ScoreFunc matches Score so callers can substitute a scorer in tests.
type ScoreFunc func(m Metrics, w Weights, decayedFeedback *float64, now time.Time) Breakdown

// Score rates a provider on the 0-5 scale. decayedFeedback is the output of
// DecayedAverage, or nil when the provider has no ratings.
func Score(m Metrics, w Weights, decayedFeedback *float64, now time.Time) Breakdown {
	raw := map[string]float64{
		SignalSuccessRate:       clamp01(m.SuccessRate),
		SignalLatency:           math.Max(0, 1-m.AvgLatencyMs/latencyCeilingMs),
		SignalUptime:            clamp01(m.UptimePercent / 100),
		SignalFeedback:          feedbackSignal(decayedFeedback),
		SignalOnChainRep:        clamp01(m.TrustScore / MaxScore),
		SignalLongevity:         longevity(m.CreatedAt, now),
		SignalVolumeConsistency: math.Min(1, float64(m.TotalRequests)/volumeFullRequests),
	}

	b := Breakdown{
		Signals:   make(map[string]SignalScore, len(Signals)),
		Penalties: []string{},
	}

	var weighted, weightSum float64
	for _, sig := range Signals {
		wt := w.Of(sig)
		s := SignalScore{Weight: wt, Raw: raw[sig], Weighted: wt * raw[sig]}
		b.Signals[sig] = s
		weighted += s.Weighted
		weightSum += wt
	}

	if weightSum <= 0 {
		return b
	}

	total := weighted / weightSum * MaxScore

	if m.TotalRequests < newProviderRequests {
		total *= newProviderFactor
		b.Penalties = append(b.Penalties, fmt.Sprintf("new_provider: %d requests, fewer than %d (x%.1f)", m.TotalRequests, newProviderRequests, newProviderFactor))
	}
	if m.LastSeenAt != nil && now.Sub(*m.LastSeenAt) > inactiveAfter {
		days := int(now.Sub(*m.LastSeenAt) / day)
		b.Penalties = append(b.Penalties, fmt.Sprintf("inactive: last seen %d days ago (x%.1f)", days, inactiveFactor))
		total *= inactiveFactor
	}

	b.Total = round2(math.Min(MaxScore, math.Max(0, total)))
	return b
}

func feedbackSignal(decayed *float64) float64 {
	if decayed == nil {
		return 0.5
	}
	return clamp01((*decayed - 1) / 4)
}

func longevity(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		return 0
	}
	return math.Min(1, ageDays/longevityFullDays)
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
