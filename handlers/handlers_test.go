package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/cache"
	"github.com/edulab-ai/model-service/config"
	"github.com/edulab-ai/model-service/models"
	"github.com/edulab-ai/model-service/modelstore"
	"github.com/edulab-ai/model-service/nn"
	"github.com/edulab-ai/model-service/training"
)

type stubEmbedder struct{ dim int }

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
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

func studentPayload(n int) *training.StudentTrainingData {
	cfg := smallConfig()
	data := &training.StudentTrainingData{}
	for i := 0; i < n; i++ {
		data.Text = append(data.Text, "handler test sample")
		data.Sequence = append(data.Sequence, make([]float32, cfg.SequenceDim))
		data.Labels.Weaknesses = append(data.Labels.Weaknesses, []float32{1, 0, 0})
		data.Labels.Interests = append(data.Labels.Interests, []float32{0, 1})
		path := make([]float32, cfg.NumPathSteps)
		path[i%cfg.NumPathSteps] = 1
		data.Labels.Path = append(data.Labels.Path, path)
	}
	return data
}

func newTestRouter(t *testing.T) (*gin.Engine, *training.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := modelstore.New(t.TempDir(), 3)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Training.EnsembleDir = t.TempDir()
	cfg.Training.Subjects = []string{"math", "science"}

	embedder := stubEmbedder{dim: 8}
	manager := training.NewManager(training.Options{
		MaxEpochs:    2,
		BatchSize:    2,
		EvalInterval: 1,
		ModelConfig:  smallConfig(),
		Subjects:     cfg.Training.Subjects,
	}, store, embedder, training.NewEvaluator(""))

	cacheMgr := cache.NewManager(cache.NewMemoryBackend(), time.Minute)
	handler := NewHandler(cfg, manager, embedder, cacheMgr, nil)

	router := gin.New()
	handler.Register(router.Group("/api/v1"))
	return router, manager
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTrainEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.TrainResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.NotNil(t, resp.TrainingInfo)
	assert.Equal(t, training.JobCompleted, resp.TrainingInfo.Status)
}

func TestTrainRejectsBadModelType(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:    1,
		ModelType: "wizard",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrainValidationError(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      1,
		ModelType:   "student",
		StudentData: &training.StudentTrainingData{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrainingStatusEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/model/training/status/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})

	w = doJSON(t, router, http.MethodGet, "/api/v1/model/training/status/42?model_type=student", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var job training.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, training.JobCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
}

func TestPredictEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	cfg := smallConfig()

	// No model yet.
	features := [][]float32{make([]float32, cfg.InputDim(nn.FamilyStudent))}
	w := doJSON(t, router, http.MethodPost, "/api/v1/model/predict", models.PredictRequest{
		UserID:    42,
		ModelType: "student",
		Features:  features,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})

	w = doJSON(t, router, http.MethodPost, "/api/v1/model/predict", models.PredictRequest{
		UserID:    42,
		ModelType: "student",
		Features:  features,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Predictions, "weaknesses")
	assert.Contains(t, resp.Predictions, "path")
	assert.NotEmpty(t, resp.Version)
}

func TestCompressEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/model/compress", models.CompressRequest{
		UserID:    42,
		ModelType: "student",
		Method:    "pruning",
		Amount:    0.5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.NotEmpty(t, resp.Version)
}

func TestQuantizeEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})

	w := doJSON(t, router, http.MethodPost, "/api/v1/model/quantize", models.QuantizeRequest{
		UserID:    42,
		ModelType: "student",
		Mode:      "dynamic",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEnsembleBuildAndPredict(t *testing.T) {
	router, manager := newTestRouter(t)

	// Two checkpoints for the same owner.
	for i := 0; i < 2; i++ {
		_, err := manager.TrainStudent(context.Background(), 42, studentPayload(4))
		require.NoError(t, err)
	}
	versions := manager.Store().ListVersions(42, nn.FamilyStudent)
	require.GreaterOrEqual(t, len(versions), 2)

	members := []models.EnsembleMember{
		{Version: fmt.Sprint(versions[0]["version"]), Weight: 2},
		{Version: fmt.Sprint(versions[1]["version"]), Weight: 1},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/model/ensemble", models.EnsembleBuildRequest{
		UserID:    42,
		ModelType: "student",
		Name:      "student-duo",
		Members:   members,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var built models.EnsembleBuildResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &built))
	assert.Equal(t, 2, built.Members)
	assert.InDelta(t, 1.0, built.Weights[0]+built.Weights[1], 1e-9)

	cfg := smallConfig()
	w = doJSON(t, router, http.MethodPost, "/api/v1/model/ensemble/predict", models.EnsemblePredictRequest{
		Name:     "student-duo",
		Method:   "averaging",
		Features: [][]float32{make([]float32, cfg.InputDim(nn.FamilyStudent))},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestVersionEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/v1/model/train", models.TrainRequest{
		UserID:      42,
		ModelType:   "student",
		StudentData: studentPayload(4),
	})

	w := doJSON(t, router, http.MethodGet, "/api/v1/model/versions/42?model_type=student", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Versions []map[string]interface{} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.NotEmpty(t, listing.Versions)

	version := fmt.Sprint(listing.Versions[0]["version"])
	w = doJSON(t, router, http.MethodDelete, "/api/v1/model/versions/42/"+version+"?model_type=student", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/model/versions/42/"+version+"?model_type=student", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
