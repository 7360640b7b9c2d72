package training

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

// stubEmbedder returns a deterministic vector derived from the text.
type stubEmbedder struct {
	dim int
	err error
}

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	v := make([]float32, s.dim)
	for i, r := range text {
		v[i%s.dim] += float32(r%13) / 13
	}
	return v, nil
}

func smallConfig() nn.ModelConfig {
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
		Seed:              1,
	}
}

func studentPayload(n int, cfg nn.ModelConfig) *StudentTrainingData {
	data := &StudentTrainingData{}
	for i := 0; i < n; i++ {
		data.Text = append(data.Text, "student sample text")
		data.Sequence = append(data.Sequence, make([]float32, cfg.SequenceDim))
		data.Labels.Weaknesses = append(data.Labels.Weaknesses, make([]float32, cfg.NumWeaknessLabels))
		data.Labels.Interests = append(data.Labels.Interests, make([]float32, cfg.NumInterestLabels))
		path := make([]float32, cfg.NumPathSteps)
		path[i%cfg.NumPathSteps] = 1
		data.Labels.Path = append(data.Labels.Path, path)
	}
	return data
}

func teacherPayload(n int, cfg nn.ModelConfig) *TeacherTrainingData {
	data := &TeacherTrainingData{
		Content: TeachingContent{
			Plans:      []string{"algebra review"},
			Recordings: []string{"lesson one"},
			Feedback:   []string{"more examples"},
		},
		Labels: TeacherLabels{
			Coverage: map[string]float64{"math": 0.6, "science": 0.4},
		},
	}
	for i := 0; i < n; i++ {
		data.StudentData = append(data.StudentData, StudentSnapshot{
			AverageScore:           0.8,
			AttendanceRate:         0.9,
			ParticipationRate:      0.7,
			HomeworkCompletionRate: 0.95,
		})
		layer := make([]float32, cfg.NumStudentLayers)
		layer[i%cfg.NumStudentLayers] = 1
		data.Labels.StudentLayers = append(data.Labels.StudentLayers, layer)
	}
	return data
}

func TestBuildStudentDataset(t *testing.T) {
	cfg := smallConfig()
	ds, err := BuildStudentDataset(context.Background(), studentPayload(5, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim})
	require.NoError(t, err)

	assert.Equal(t, 5, ds.Len())
	assert.Len(t, ds.Features[0], cfg.InputDim(nn.FamilyStudent))
	assert.Len(t, ds.Labels["weaknesses"], 5)
	assert.Len(t, ds.Labels["path"][0], cfg.NumPathSteps)
}

func TestBuildStudentDatasetValidation(t *testing.T) {
	cfg := smallConfig()

	_, err := BuildStudentDataset(context.Background(), nil, cfg, stubEmbedder{dim: 8})
	assert.ErrorIs(t, err, ErrDataValidation)

	empty := &StudentTrainingData{}
	_, err = BuildStudentDataset(context.Background(), empty, cfg, stubEmbedder{dim: 8})
	assert.ErrorIs(t, err, ErrDataValidation)

	mismatched := studentPayload(3, cfg)
	mismatched.Sequence = mismatched.Sequence[:2]
	_, err = BuildStudentDataset(context.Background(), mismatched, cfg, stubEmbedder{dim: 8})
	assert.ErrorIs(t, err, ErrDataValidation)

	badDim := studentPayload(3, cfg)
	badDim.Labels.Weaknesses[1] = []float32{1}
	_, err = BuildStudentDataset(context.Background(), badDim, cfg, stubEmbedder{dim: 8})
	assert.ErrorIs(t, err, ErrDataValidation)
}

func TestBuildStudentDatasetEmbedderFailure(t *testing.T) {
	cfg := smallConfig()
	boom := errors.New("upstream down")
	_, err := BuildStudentDataset(context.Background(), studentPayload(2, cfg), cfg, stubEmbedder{dim: 8, err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestBuildTeacherDataset(t *testing.T) {
	cfg := smallConfig()
	subjects := []string{"math", "science"}
	ds, err := BuildTeacherDataset(context.Background(), teacherPayload(4, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim}, subjects)
	require.NoError(t, err)

	assert.Equal(t, 4, ds.Len())
	assert.Len(t, ds.Features[0], cfg.InputDim(nn.FamilyTeacher))

	// Coverage is the same subject distribution broadcast to every sample.
	for _, row := range ds.Labels["coverage"] {
		assert.InDelta(t, 0.6, float64(row[0]), 1e-6)
		assert.InDelta(t, 0.4, float64(row[1]), 1e-6)
	}
}

func TestBuildTeacherDatasetValidation(t *testing.T) {
	cfg := smallConfig()
	subjects := []string{"math", "science"}

	missing := teacherPayload(3, cfg)
	missing.Labels.Coverage = nil
	_, err := BuildTeacherDataset(context.Background(), missing, cfg, stubEmbedder{dim: 8}, subjects)
	assert.ErrorIs(t, err, ErrDataValidation)

	short := teacherPayload(3, cfg)
	short.Labels.StudentLayers = short.Labels.StudentLayers[:1]
	_, err = BuildTeacherDataset(context.Background(), short, cfg, stubEmbedder{dim: 8}, subjects)
	assert.ErrorIs(t, err, ErrDataValidation)
}

func TestBatchesKeepShortFinalBatch(t *testing.T) {
	cfg := smallConfig()
	ds, err := BuildStudentDataset(context.Background(), studentPayload(7, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim})
	require.NoError(t, err)

	batches := ds.Batches(3, false, nil)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Features, 3)
	assert.Len(t, batches[2].Features, 1)
	assert.Len(t, batches[2].Labels["interests"], 1)
}

func TestBatchesShuffleCoversAllSamples(t *testing.T) {
	cfg := smallConfig()
	ds, err := BuildStudentDataset(context.Background(), studentPayload(6, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	batches := ds.Batches(4, true, rng)
	var total int
	for _, b := range batches {
		total += len(b.Features)
	}
	assert.Equal(t, 6, total)
}

func TestShardRoundRobin(t *testing.T) {
	cfg := smallConfig()
	ds, err := BuildStudentDataset(context.Background(), studentPayload(7, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim})
	require.NoError(t, err)

	s0 := ds.Shard(0, 2)
	s1 := ds.Shard(1, 2)
	assert.Equal(t, 4, s0.Len())
	assert.Equal(t, 3, s1.Len())
	assert.Equal(t, ds.Len(), s0.Len()+s1.Len())
	assert.Len(t, s0.Labels["path"], 4)
}

func TestFitDimPadsAndTruncates(t *testing.T) {
	padded := fitDim([]float32{1, 2}, 4)
	assert.Equal(t, []float32{1, 2, 0, 0}, padded)

	truncated := fitDim([]float32{1, 2, 3, 4}, 2)
	assert.Equal(t, []float32{1, 2}, truncated)
}
