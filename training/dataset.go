package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/edulab-ai/model-service/nn"
)

// ErrDataValidation marks malformed or missing training fields. It is raised
// before any epoch runs.
var ErrDataValidation = errors.New("training data validation failed")

// ErrJobActive is returned when a training job for the same owner and family
// is already running.
var ErrJobActive = errors.New("training job already running for this owner")

// Embedder turns raw text into a fixed-length feature vector. Failures
// propagate to the caller as-is; the orchestrator does not retry.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// StudentLabels are the three per-sample target heads of the student family.
type StudentLabels struct {
	Weaknesses [][]float32 `json:"weaknesses"`
	Interests  [][]float32 `json:"interests"`
	Path       [][]float32 `json:"path"`
}

// StudentTrainingData is the raw payload for a student-model training call.
type StudentTrainingData struct {
	Text     []string      `json:"text"`
	Sequence [][]float32   `json:"sequence"`
	Labels   StudentLabels `json:"labels"`
}

// TeachingContent groups the teacher's raw material; all of it is joined into
// one document for embedding.
type TeachingContent struct {
	Plans      []string `json:"plans"`
	Recordings []string `json:"recordings"`
	Feedback   []string `json:"feedback"`
}

// StudentSnapshot is one student's aggregated performance features.
type StudentSnapshot struct {
	AverageScore           float64 `json:"average_score"`
	AttendanceRate         float64 `json:"attendance_rate"`
	ParticipationRate      float64 `json:"participation_rate"`
	HomeworkCompletionRate float64 `json:"homework_completion_rate"`
}

// TeacherLabels are the two target heads of the teacher family. Coverage is a
// per-subject distribution shared across the class; StudentLayers is one-hot
// per student.
type TeacherLabels struct {
	Coverage      map[string]float64 `json:"coverage"`
	StudentLayers [][]float32        `json:"student_layers"`
}

// TeacherTrainingData is the raw payload for a teacher-model training call.
type TeacherTrainingData struct {
	Content     TeachingContent   `json:"content"`
	StudentData []StudentSnapshot `json:"student_data"`
	Labels      TeacherLabels     `json:"labels"`
}

// Dataset is a fixed-shape numeric view of a training payload: one trunk
// feature row per sample plus per-head label rows of equal outer length.
type Dataset struct {
	Features [][]float32
	Labels   map[string][][]float32
}

// Batch is one mini-batch drawn from a Dataset.
type Batch struct {
	Features [][]float32
	Labels   map[string][][]float32
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Features) }

// Batches splits the dataset into batches of the given size, optionally
// shuffled. The final short batch is kept.
func (d *Dataset) Batches(batchSize int, shuffle bool, rng *rand.Rand) []Batch {
	if batchSize <= 0 {
		batchSize = 32
	}
	n := d.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if shuffle && rng != nil {
		rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}

	var batches []Batch
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		b := Batch{
			Features: make([][]float32, 0, end-start),
			Labels:   make(map[string][][]float32, len(d.Labels)),
		}
		for _, i := range idx[start:end] {
			b.Features = append(b.Features, d.Features[i])
		}
		for head, rows := range d.Labels {
			sel := make([][]float32, 0, end-start)
			for _, i := range idx[start:end] {
				sel = append(sel, rows[i])
			}
			b.Labels[head] = sel
		}
		batches = append(batches, b)
	}
	return batches
}

// Shard returns the subset of samples assigned to one distributed worker
// (round-robin by rank, matching a distributed sampler).
func (d *Dataset) Shard(rank, worldSize int) *Dataset {
	shard := &Dataset{Labels: make(map[string][][]float32, len(d.Labels))}
	for i := rank; i < d.Len(); i += worldSize {
		shard.Features = append(shard.Features, d.Features[i])
	}
	for head, rows := range d.Labels {
		var sel [][]float32
		for i := rank; i < len(rows); i += worldSize {
			sel = append(sel, rows[i])
		}
		shard.Labels[head] = sel
	}
	return shard
}

// BuildStudentDataset validates the raw payload, embeds each text entry, and
// assembles fixed-shape trunk features (embedding ⊕ sequence) with the three
// label heads.
func BuildStudentDataset(ctx context.Context, data *StudentTrainingData, cfg nn.ModelConfig, embedder Embedder) (*Dataset, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: missing student training data", ErrDataValidation)
	}
	n := len(data.Text)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty text field", ErrDataValidation)
	}
	if len(data.Sequence) != n {
		return nil, fmt.Errorf("%w: sequence length %d does not match text length %d", ErrDataValidation, len(data.Sequence), n)
	}
	if len(data.Labels.Weaknesses) != n || len(data.Labels.Interests) != n || len(data.Labels.Path) != n {
		return nil, fmt.Errorf("%w: label lengths do not match sample count %d", ErrDataValidation, n)
	}
	for i := 0; i < n; i++ {
		if len(data.Labels.Weaknesses[i]) != cfg.NumWeaknessLabels {
			return nil, fmt.Errorf("%w: weakness label dim %d, want %d", ErrDataValidation, len(data.Labels.Weaknesses[i]), cfg.NumWeaknessLabels)
		}
		if len(data.Labels.Interests[i]) != cfg.NumInterestLabels {
			return nil, fmt.Errorf("%w: interest label dim %d, want %d", ErrDataValidation, len(data.Labels.Interests[i]), cfg.NumInterestLabels)
		}
		if len(data.Labels.Path[i]) != cfg.NumPathSteps {
			return nil, fmt.Errorf("%w: path label dim %d, want %d", ErrDataValidation, len(data.Labels.Path[i]), cfg.NumPathSteps)
		}
	}

	features := make([][]float32, n)
	for i := 0; i < n; i++ {
		emb, err := embedder.Embed(ctx, data.Text[i])
		if err != nil {
			return nil, fmt.Errorf("embed sample %d: %w", i, err)
		}
		features[i] = concatFeatures(fitDim(emb, cfg.EmbeddingDim), fitDim(data.Sequence[i], cfg.SequenceDim))
	}

	return &Dataset{
		Features: features,
		Labels: map[string][][]float32{
			"weaknesses": data.Labels.Weaknesses,
			"interests":  data.Labels.Interests,
			"path":       data.Labels.Path,
		},
	}, nil
}

// BuildTeacherDataset validates the raw payload, embeds the joined teaching
// content once, and pairs it with each student's aggregated features. The
// coverage distribution is shared across samples; layering labels are
// per-student.
func BuildTeacherDataset(ctx context.Context, data *TeacherTrainingData, cfg nn.ModelConfig, embedder Embedder, subjects []string) (*Dataset, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: missing teacher training data", ErrDataValidation)
	}
	n := len(data.StudentData)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty student_data field", ErrDataValidation)
	}
	if len(data.Labels.StudentLayers) != n {
		return nil, fmt.Errorf("%w: student_layers length %d does not match student count %d", ErrDataValidation, len(data.Labels.StudentLayers), n)
	}
	if len(data.Labels.Coverage) == 0 {
		return nil, fmt.Errorf("%w: missing coverage labels", ErrDataValidation)
	}
	for i := 0; i < n; i++ {
		if len(data.Labels.StudentLayers[i]) != cfg.NumStudentLayers {
			return nil, fmt.Errorf("%w: student_layers dim %d, want %d", ErrDataValidation, len(data.Labels.StudentLayers[i]), cfg.NumStudentLayers)
		}
	}

	var parts []string
	parts = append(parts, data.Content.Plans...)
	parts = append(parts, data.Content.Recordings...)
	parts = append(parts, data.Content.Feedback...)
	emb, err := embedder.Embed(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return nil, fmt.Errorf("embed teaching content: %w", err)
	}
	contentVec := fitDim(emb, cfg.EmbeddingDim)

	coverage := make([]float32, cfg.NumSubjects)
	for i, subject := range subjects {
		if i >= cfg.NumSubjects {
			break
		}
		coverage[i] = float32(data.Labels.Coverage[subject])
	}

	features := make([][]float32, n)
	coverageRows := make([][]float32, n)
	for i, s := range data.StudentData {
		stats := []float32{
			float32(s.AverageScore),
			float32(s.AttendanceRate),
			float32(s.ParticipationRate),
			float32(s.HomeworkCompletionRate),
		}
		features[i] = concatFeatures(contentVec, fitDim(stats, cfg.StudentFeatureDim))
		coverageRows[i] = coverage
	}

	return &Dataset{
		Features: features,
		Labels: map[string][][]float32{
			"coverage": coverageRows,
			"layers":   data.Labels.StudentLayers,
		},
	}, nil
}

func concatFeatures(parts ...[]float32) []float32 {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fitDim pads with zeros or truncates a vector to the expected width.
func fitDim(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}
