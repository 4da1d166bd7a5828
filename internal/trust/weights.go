package trust

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal names, in reporting order.
const (
	SignalSuccessRate       = "successRate"
	SignalLatency           = "latency"
	SignalUptime            = "uptime"
	SignalFeedback          = "feedback"
	SignalOnChainRep        = "onChainRep"
	SignalLongevity         = "longevity"
	SignalVolumeConsistency = "volumeConsistency"
)

// Signals lists every signal the scorer reports.
var Signals = []string{
	SignalSuccessRate,
	SignalLatency,
	SignalUptime,
	SignalFeedback,
	SignalOnChainRep,
	SignalLongevity,
	SignalVolumeConsistency,
}

// Weights is a weight vector over the seven scoring signals. Weights need not
// sum to 1; the scorer divides by their sum.
type Weights struct {
	SuccessRate       float64 `json:"successRate" yaml:"success_rate"`
	Latency           float64 `json:"latency" yaml:"latency"`
	Uptime            float64 `json:"uptime" yaml:"uptime"`
	Feedback          float64 `json:"feedback" yaml:"feedback"`
	OnChainRep        float64 `json:"onChainRep" yaml:"on_chain_rep"`
	Longevity         float64 `json:"longevity" yaml:"longevity"`
	VolumeConsistency float64 `json:"volumeConsistency" yaml:"volume_consistency"`
}

// DefaultWeights favours observed reliability.
var DefaultWeights = Weights{
	SuccessRate:       0.30,
	Latency:           0.15,
	Uptime:            0.15,
	Feedback:          0.15,
	OnChainRep:        0.10,
	Longevity:         0.10,
	VolumeConsistency: 0.05,
}

var presets = map[string]Weights{
	"default": DefaultWeights,
	"latency_first": {
		SuccessRate:       0.25,
		Latency:           0.35,
		Uptime:            0.15,
		Feedback:          0.10,
		OnChainRep:        0.05,
		Longevity:         0.05,
		VolumeConsistency: 0.05,
	},
	"reputation_first": {
		SuccessRate:       0.20,
		Latency:           0.05,
		Uptime:            0.10,
		Feedback:          0.30,
		OnChainRep:        0.20,
		Longevity:         0.10,
		VolumeConsistency: 0.05,
	},
}

// Named returns a built-in weight vector by name.
func Named(name string) (Weights, bool) {
	w, ok := presets[name]
	return w, ok
}

// Of returns the weight for the named signal.
func (w Weights) Of(signal string) float64 {
	switch signal {
	case SignalSuccessRate:
		return w.SuccessRate
	case SignalLatency:
		return w.Latency
	case SignalUptime:
		return w.Uptime
	case SignalFeedback:
		return w.Feedback
	case SignalOnChainRep:
		return w.OnChainRep
	case SignalLongevity:
		return w.Longevity
	case SignalVolumeConsistency:
		return w.VolumeConsistency
	}
	return 0
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	var s float64
	for _, sig := range Signals {
		s += w.Of(sig)
	}
	return s
}

// Key returns a stable identifier for the vector, used in cache keys.
func (w Weights) Key() string {
	if w == DefaultWeights {
		return "default"
	}
	parts := make([]string, len(Signals))
	for i, sig := range Signals {
		parts[i] = strconv.FormatFloat(w.Of(sig), 'f', -1, 64)
	}
	return "w:" + strings.Join(parts, ",")
}

// Validate rejects negative weights and all-zero vectors.
func (w Weights) Validate() error {
	for _, sig := range Signals {
		if w.Of(sig) < 0 {
			return fmt.Errorf("weight %s must not be negative", sig)
		}
	}
	if w.Sum() == 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	return nil
}

// WeightOverride is a partial weight vector supplied by callers whose plan
// grants custom weights. Nil fields are omitted signals.
type WeightOverride struct {
	SuccessRate       *float64 `json:"successRate,omitempty"`
	Latency           *float64 `json:"latency,omitempty"`
	Uptime            *float64 `json:"uptime,omitempty"`
	Feedback          *float64 `json:"feedback,omitempty"`
	OnChainRep        *float64 `json:"onChainRep,omitempty"`
	Longevity         *float64 `json:"longevity,omitempty"`
	VolumeConsistency *float64 `json:"volumeConsistency,omitempty"`
}

// Normalize turns an override into a full vector. Omitted signals get weight
// 0; supplied weights are kept as-is, without rescaling.
func Normalize(o WeightOverride) Weights {
	val := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return Weights{
		SuccessRate:       val(o.SuccessRate),
		Latency:           val(o.Latency),
		Uptime:            val(o.Uptime),
		Feedback:          val(o.Feedback),
		OnChainRep:        val(o.OnChainRep),
		Longevity:         val(o.Longevity),
		VolumeConsistency: val(o.VolumeConsistency),
	}
}
