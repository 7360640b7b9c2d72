package ensemble

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func testConfig(seed int64) nn.ModelConfig {
	return nn.ModelConfig{
		EmbeddingDim:      8,
		SequenceDim:       4,
		StudentFeatureDim: 4,
		HiddenSize:        16,
		NumWeaknessLabels: 3,
		NumInterestLabels: 2,
		NumPathSteps:      2,
		NumSubjects:       2,
		NumStudentLayers:  2,
		Seed:              seed,
	}
}

func randomFeatures(n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(17))
	batch := make([][]float32, n)
	for i := range batch {
		row := make([]float32, dim)
		for j := range row {
			row[j] = rng.Float32()*2 - 1
		}
		batch[i] = row
	}
	return batch
}

func TestAddModelNormalizesWeights(t *testing.T) {
	e := New(nn.FamilyStudent)
	require.NoError(t, e.AddModel(nn.NewStudentModel(testConfig(1)), 1))
	require.NoError(t, e.AddModel(nn.NewStudentModel(testConfig(2)), 3))

	weights := e.Weights()
	require.Len(t, weights, 2)
	assert.InDelta(t, 0.25, weights[0], 1e-9)
	assert.InDelta(t, 0.75, weights[1], 1e-9)

	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestAddModelDefaultsNonPositiveWeight(t *testing.T) {
	e := New(nn.FamilyStudent)
	require.NoError(t, e.AddModel(nn.NewStudentModel(testConfig(1)), 0))
	require.NoError(t, e.AddModel(nn.NewStudentModel(testConfig(2)), -2))

	weights := e.Weights()
	assert.InDelta(t, 0.5, weights[0], 1e-9)
	assert.InDelta(t, 0.5, weights[1], 1e-9)
}

func TestAddModelRejectsFamilyMismatch(t *testing.T) {
	e := New(nn.FamilyStudent)
	err := e.AddModel(nn.NewTeacherModel(testConfig(1)), 1)
	assert.Error(t, err)
}

func TestPredictEmptyEnsemble(t *testing.T) {
	e := New(nn.FamilyStudent)
	_, err := e.Predict(randomFeatures(1, 12), MethodAveraging)
	assert.ErrorIs(t, err, ErrEmptyEnsemble)
}

func TestSingleMemberAveragingMatchesModel(t *testing.T) {
	cfg := testConfig(5)
	model := nn.NewStudentModel(cfg)
	e := New(nn.FamilyStudent)
	require.NoError(t, e.AddModel(model, 1))

	features := randomFeatures(3, cfg.InputDim(nn.FamilyStudent))
	want := model.Predict(features)

	for _, method := range []Method{MethodAveraging, MethodWeighted, MethodStacking} {
		got, err := e.Predict(features, method)
		require.NoError(t, err)
		for head, rows := range want {
			for n := range rows {
				for i := range rows[n] {
					assert.InDelta(t, float64(rows[n][i]), float64(got[head][n][i]), 1e-6,
						"method %s head %s", method, head)
				}
			}
		}
	}
}

func TestWeightedAveragingRespectsWeights(t *testing.T) {
	cfg1 := testConfig(1)
	cfg2 := testConfig(2)
	m1 := nn.NewStudentModel(cfg1)
	m2 := nn.NewStudentModel(cfg2)

	e := New(nn.FamilyStudent)
	require.NoError(t, e.AddModel(m1, 9))
	require.NoError(t, e.AddModel(m2, 1))

	features := randomFeatures(2, cfg1.InputDim(nn.FamilyStudent))
	p1 := m1.Predict(features)
	p2 := m2.Predict(features)

	got, err := e.Predict(features, MethodWeighted)
	require.NoError(t, err)

	for n := range features {
		for i := range got["weaknesses"][n] {
			want := 0.9*float64(p1["weaknesses"][n][i]) + 0.1*float64(p2["weaknesses"][n][i])
			assert.InDelta(t, want, float64(got["weaknesses"][n][i]), 1e-6)
		}
	}
}

func TestVotingFractions(t *testing.T) {
	e := New(nn.FamilyStudent)
	for seed := int64(1); seed <= 3; seed++ {
		require.NoError(t, e.AddModel(nn.NewStudentModel(testConfig(seed)), 1))
	}

	features := randomFeatures(2, testConfig(1).InputDim(nn.FamilyStudent))
	got, err := e.Predict(features, MethodVoting)
	require.NoError(t, err)

	// Votes are fractions of the member count.
	for _, head := range []string{"weaknesses", "interests", "path"} {
		for _, row := range got[head] {
			for _, v := range row {
				assert.Contains(t, []float32{0, 1.0 / 3, 2.0 / 3, 1}, v)
			}
		}
	}
	// Softmax head votes sum to one per row.
	for _, row := range got["path"] {
		var sum float32
		for _, v := range row {
			sum += v
		}
		assert.InDelta(t, 1.0, float64(sum), 1e-6)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := testConfig(7)
	e := New(nn.FamilyTeacher)
	require.NoError(t, e.AddModel(nn.NewTeacherModel(cfg), 2))
	require.NoError(t, e.AddModel(nn.NewTeacherModel(testConfig(8)), 1))

	dir := filepath.Join(t.TempDir(), "ens")
	require.NoError(t, e.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, nn.FamilyTeacher, loaded.Family())
	assert.Equal(t, 2, loaded.Len())
	assert.InDelta(t, e.Weights()[0], loaded.Weights()[0], 1e-9)

	features := randomFeatures(2, cfg.InputDim(nn.FamilyTeacher))
	want, err := e.Predict(features, MethodWeighted)
	require.NoError(t, err)
	got, err := loaded.Predict(features, MethodWeighted)
	require.NoError(t, err)
	for head := range want {
		assert.Equal(t, want[head], got[head])
	}
}

func TestLoadMissingDir(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
