package training

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func TestMultiLabelPRFPerfect(t *testing.T) {
	preds := [][]float32{{0.9, 0.1}, {0.2, 0.8}}
	labels := [][]float32{{1, 0}, {0, 1}}

	p, r, f := multiLabelPRF(preds, labels, 0.5)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, 1.0, r)
	assert.Equal(t, 1.0, f)
}

func TestMultiLabelPRFMisses(t *testing.T) {
	// Label 0: one TP, one FN. Label 1 never occurs so it carries no support.
	preds := [][]float32{{0.9, 0.1}, {0.2, 0.1}}
	labels := [][]float32{{1, 0}, {1, 0}}

	p, r, _ := multiLabelPRF(preds, labels, 0.5)
	assert.Equal(t, 1.0, p)
	assert.Equal(t, 0.5, r)
}

func TestMultiClassPRF(t *testing.T) {
	preds := [][]float32{{0.9, 0.1}, {0.3, 0.7}, {0.8, 0.2}}
	labels := [][]float32{{1, 0}, {0, 1}, {0, 1}}

	p, r, f := multiClassPRF(preds, labels)
	assert.Greater(t, p, 0.0)
	assert.Less(t, r, 1.0)
	assert.Greater(t, f, 0.0)
}

func TestArgmaxAccuracy(t *testing.T) {
	preds := [][]float32{{0.9, 0.1}, {0.4, 0.6}}
	labels := [][]float32{{1, 0}, {1, 0}}
	assert.Equal(t, 0.5, argmaxAccuracy(preds, labels))
}

func TestEvaluatePersistsSnapshot(t *testing.T) {
	dir := t.TempDir()
	e := NewEvaluator(dir)
	cfg := smallConfig()
	model := nn.NewStudentModel(cfg)

	ds, err := BuildStudentDataset(context.Background(), studentPayload(3, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim})
	require.NoError(t, err)

	metrics := e.Evaluate(model, ds, 42)
	require.Contains(t, metrics, "overall")
	require.Contains(t, metrics, "weakness")
	require.Contains(t, metrics, "path")

	data, err := os.ReadFile(filepath.Join(dir, "student_42", "metrics.json"))
	require.NoError(t, err)

	var snapshot struct {
		Metrics Metrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, metrics["overall"], snapshot.Metrics["overall"])
}

func TestEvaluateTeacherMetricsShape(t *testing.T) {
	e := NewEvaluator("")
	cfg := smallConfig()
	model := nn.NewTeacherModel(cfg)

	ds, err := BuildTeacherDataset(context.Background(), teacherPayload(3, cfg), cfg, stubEmbedder{dim: cfg.EmbeddingDim}, []string{"math", "science"})
	require.NoError(t, err)

	metrics := e.Evaluate(model, ds, 7)
	assert.Contains(t, metrics, "coverage")
	assert.Contains(t, metrics, "layers")
	assert.Contains(t, metrics["overall"], "accuracy")
}
