package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepSchedulerDecays(t *testing.T) {
	s, err := NewScheduler(SchedulerStep, SchedulerConfig{StepSize: 10, Gamma: 0.1})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, s.LR(0, 0.1), 1e-12)
	assert.InDelta(t, 0.1, s.LR(9, 0.1), 1e-12)
	assert.InDelta(t, 0.01, s.LR(10, 0.1), 1e-12)
	assert.InDelta(t, 0.001, s.LR(20, 0.1), 1e-12)
}

func TestCosineSchedulerEndpoints(t *testing.T) {
	s, err := NewScheduler(SchedulerCosine, SchedulerConfig{TMax: 100, EtaMin: 1e-5})
	require.NoError(t, err)

	assert.InDelta(t, 0.1, s.LR(0, 0.1), 1e-12)
	assert.InDelta(t, 1e-5, s.LR(100, 0.1), 1e-9)
	// Midpoint sits halfway between base and floor.
	assert.InDelta(t, (0.1+1e-5)/2, s.LR(50, 0.1), 1e-9)
}

func TestLinearSchedulerClampsAtZero(t *testing.T) {
	s, err := NewScheduler(SchedulerLinear, SchedulerConfig{TotalEpochs: 10})
	require.NoError(t, err)

	assert.InDelta(t, 0.05, s.LR(5, 0.1), 1e-12)
	assert.Equal(t, 0.0, s.LR(10, 0.1))
	assert.Equal(t, 0.0, s.LR(15, 0.1))
}

func TestExponentialScheduler(t *testing.T) {
	s, err := NewScheduler(SchedulerExponential, SchedulerConfig{Gamma: 0.9})
	require.NoError(t, err)

	assert.InDelta(t, 0.1*math.Pow(0.9, 3), s.LR(3, 0.1), 1e-12)
}

func TestCyclicSchedulerTriangle(t *testing.T) {
	s, err := NewScheduler(SchedulerCyclic, SchedulerConfig{BaseLR: 0.001, MaxLR: 0.01, StepSize: 10})
	require.NoError(t, err)

	assert.InDelta(t, 0.001, s.LR(0, 0.5), 1e-9)
	assert.InDelta(t, 0.01, s.LR(10, 0.5), 1e-9)
	assert.InDelta(t, 0.001, s.LR(20, 0.5), 1e-9)
	// Halfway up the ramp.
	assert.InDelta(t, 0.0055, s.LR(5, 0.5), 1e-9)
}

func TestWarmupSchedulerRampAndContinuity(t *testing.T) {
	s, err := NewScheduler(SchedulerWarmup, SchedulerConfig{
		WarmupEpochs: 5,
		TotalEpochs:  55,
		Base:         SchedulerCosine,
	})
	require.NoError(t, err)

	base := 0.1
	assert.InDelta(t, base/5, s.LR(0, base), 1e-12)
	assert.InDelta(t, base*4/5, s.LR(3, base), 1e-12)
	// Last warmup epoch reaches the base rate, and the first post-warmup
	// epoch starts the inner schedule from its own epoch zero.
	assert.InDelta(t, base, s.LR(4, base), 1e-12)
	assert.InDelta(t, base, s.LR(5, base), 1e-12)
	assert.Less(t, s.LR(30, base), base)
}

func TestWarmupCannotWrapItself(t *testing.T) {
	_, err := NewScheduler(SchedulerWarmup, SchedulerConfig{Base: SchedulerWarmup})
	assert.Error(t, err)
}

func TestUnknownSchedulerRejected(t *testing.T) {
	_, err := NewScheduler("nope", SchedulerConfig{})
	assert.Error(t, err)
}
