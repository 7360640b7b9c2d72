package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func TestMemoryBackendSetGet(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackendExpiry(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryBackendDeleteByPrefix(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "job:1", []byte("a"), time.Minute))
	require.NoError(t, b.Set(ctx, "job:2", []byte("b"), time.Minute))
	require.NoError(t, b.Set(ctx, "model:1", []byte("c"), time.Minute))

	require.NoError(t, b.DeleteByPrefix(ctx, "job:"))
	_, err := b.Get(ctx, "job:1")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = b.Get(ctx, "model:1")
	assert.NoError(t, err)
}

func TestManagerKeyDeterministic(t *testing.T) {
	m := NewManager(NewMemoryBackend(), time.Minute)

	k1 := m.Key(PrefixTrainingStatus, "42", "student")
	k2 := m.Key(PrefixTrainingStatus, "student", "42")
	assert.Equal(t, k1, k2)

	k3 := m.Key(PrefixTrainingStatus, "43", "student")
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, PrefixTrainingStatus+":")
}

func TestManagerRoundTrip(t *testing.T) {
	m := NewManager(NewMemoryBackend(), time.Minute)
	ctx := context.Background()

	type status struct {
		Progress float64 `json:"progress"`
		Epoch    int     `json:"epoch"`
	}
	key := m.Key(PrefixTrainingStatus, "42")
	m.Set(ctx, key, status{Progress: 55.5, Epoch: 3})

	var got status
	require.NoError(t, m.Get(ctx, key, &got))
	assert.Equal(t, 55.5, got.Progress)
	assert.Equal(t, 3, got.Epoch)
}

func TestInvalidateTrainingStatus(t *testing.T) {
	m := NewManager(NewMemoryBackend(), time.Minute)
	ctx := context.Background()

	key := m.Key(PrefixTrainingStatus, "42")
	m.Set(ctx, key, map[string]int{"epoch": 1})

	m.InvalidateTrainingStatus(42)

	var out map[string]int
	assert.ErrorIs(t, m.Get(ctx, key, &out), ErrCacheMiss)
}

func TestInvalidateModelInfoDropsPredictions(t *testing.T) {
	m := NewManager(NewMemoryBackend(), time.Minute)
	ctx := context.Background()

	infoKey := m.Key(PrefixModelInfo, "42", "student")
	predKey := m.Key(PrefixPrediction, "42", "abc")
	m.Set(ctx, infoKey, map[string]string{"version": "v1"})
	m.Set(ctx, predKey, map[string]string{"result": "x"})

	m.InvalidateModelInfo(42, nn.FamilyStudent)

	var out map[string]string
	assert.ErrorIs(t, m.Get(ctx, infoKey, &out), ErrCacheMiss)
	assert.ErrorIs(t, m.Get(ctx, predKey, &out), ErrCacheMiss)
}
