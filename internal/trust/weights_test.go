package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsFavourSuccessRate(t *testing.T) {
	for _, sig := range Signals {
		if sig == SignalSuccessRate {
			continue
		}
		assert.Greater(t, DefaultWeights.SuccessRate, DefaultWeights.Of(sig), sig)
	}
	assert.InDelta(t, 1.0, DefaultWeights.Sum(), 1e-9)
}

func TestNormalizeFillsOmittedWithZero(t *testing.T) {
	w := Normalize(WeightOverride{SuccessRate: ptr(2.0), Latency: ptr(1.0)})

	assert.Equal(t, 2.0, w.SuccessRate)
	assert.Equal(t, 1.0, w.Latency)
	assert.Zero(t, w.Uptime)
	assert.Zero(t, w.Feedback)
	assert.Zero(t, w.OnChainRep)
	assert.Zero(t, w.Longevity)
	assert.Zero(t, w.VolumeConsistency)
	// No rescaling: the sum is whatever the caller supplied.
	assert.Equal(t, 3.0, w.Sum())
}

func TestNormalizeEmpty(t *testing.T) {
	w := Normalize(WeightOverride{})
	assert.Equal(t, Weights{}, w)
	assert.Error(t, w.Validate())
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights.Validate())

	neg := DefaultWeights
	neg.Latency = -0.1
	assert.Error(t, neg.Validate())
}

func TestWeightsKey(t *testing.T) {
	assert.Equal(t, "default", DefaultWeights.Key())

	custom := Normalize(WeightOverride{SuccessRate: ptr(1.0)})
	assert.Equal(t, "w:1,0,0,0,0,0,0", custom.Key())
	assert.NotEqual(t, custom.Key(), Normalize(WeightOverride{Latency: ptr(1.0)}).Key())
}

func TestNamedPresets(t *testing.T) {
	for _, name := range []string{"default", "latency_first", "reputation_first"} {
		w, ok := Named(name)
		require.True(t, ok, name)
		assert.NoError(t, w.Validate(), name)
	}
	_, ok := Named("unknown")
	assert.False(t, ok)
}
