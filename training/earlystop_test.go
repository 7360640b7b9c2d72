package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func TestEarlyStoppingNeverStopsWhileImproving(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 2, MinDelta: 1e-4})

	score := 1.0
	for epoch := 0; epoch < 20; epoch++ {
		assert.False(t, es.Observe(epoch, score, nil, nil))
		assert.True(t, es.Improved())
		score *= 0.9
	}

	summary := es.Summary()
	assert.False(t, summary.StoppedEarly)
	assert.Equal(t, 19, summary.BestEpoch)
	assert.Equal(t, 20, summary.TotalEpochs)
}

func TestEarlyStoppingStopsOnPlateau(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 3, MinDelta: 1e-4})

	stopped := false
	var stopEpoch int
	for epoch := 0; epoch < 20; epoch++ {
		if es.Observe(epoch, 0.5, nil, nil) {
			stopped = true
			stopEpoch = epoch
			break
		}
	}
	require.True(t, stopped)
	// First epoch sets the best; three non-improving epochs exhaust patience.
	assert.Equal(t, 3, stopEpoch)

	summary := es.Summary()
	assert.True(t, summary.StoppedEarly)
	assert.Equal(t, 0, summary.BestEpoch)
	require.NotNil(t, summary.BestScore)
	assert.Equal(t, 0.5, *summary.BestScore)
}

func TestEarlyStoppingMinDeltaIgnoresTinyGains(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 2, MinDelta: 0.1})

	assert.False(t, es.Observe(0, 1.0, nil, nil))
	// Improvement below min_delta does not reset the counter.
	assert.False(t, es.Observe(1, 0.95, nil, nil))
	assert.True(t, es.Observe(2, 0.92, nil, nil))
}

func TestEarlyStoppingZeroMinDeltaCountsExactImprovements(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 2, MinDelta: 0})

	// Arbitrarily small strict improvements keep resetting patience.
	for epoch := 0; epoch < 10; epoch++ {
		assert.False(t, es.Observe(epoch, 1.0-float64(epoch)*1e-9, nil, nil))
	}
	assert.Equal(t, 9, es.Summary().BestEpoch)

	// An equal score is not an improvement.
	best := 1.0 - 9*1e-9
	assert.False(t, es.Observe(10, best, nil, nil))
	assert.True(t, es.Observe(11, best, nil, nil))
}

func TestEarlyStoppingCapturesBestState(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 5, RestoreBest: true})

	bestState := []nn.WeightTensor{{Name: "w", Shape: []int{1}, Data: []float32{42}}}
	worseState := []nn.WeightTensor{{Name: "w", Shape: []int{1}, Data: []float32{0}}}

	es.Observe(0, 1.0, worseState, nil)
	es.Observe(1, 0.1, bestState, nil)
	es.Observe(2, 0.5, worseState, nil)

	require.NotNil(t, es.BestState())
	assert.Equal(t, float32(42), es.BestState()[0].Data[0])
}

func TestEarlyStoppingBestStateNilWithoutRestore(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 5})
	es.Observe(0, 1.0, []nn.WeightTensor{{Name: "w"}}, nil)
	assert.Nil(t, es.BestState())
}

func TestEarlyStoppingMaxMode(t *testing.T) {
	es := NewEarlyStopping(StopConfig{Patience: 2, Mode: StopModeMax})

	assert.False(t, es.Observe(0, 0.5, nil, nil))
	assert.False(t, es.Observe(1, 0.7, nil, nil))
	assert.True(t, es.Improved())
	assert.False(t, es.Observe(2, 0.6, nil, nil))
	assert.True(t, es.Observe(3, 0.6, nil, nil))
}

func TestBaselineCheck(t *testing.T) {
	baseline := 1.0
	es := NewEarlyStopping(StopConfig{Patience: 5, Baseline: &baseline})

	assert.False(t, es.ShouldStopOnBaseline(0.8))
	assert.True(t, es.ShouldStopOnBaseline(1.2))

	noBaseline := NewEarlyStopping(StopConfig{Patience: 5})
	assert.False(t, noBaseline.ShouldStopOnBaseline(100))
}
