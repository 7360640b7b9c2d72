// Package nn provides the small neural models used by the training service:
// two model families (student and teacher analytics) built from linear layers
// over precomputed embedding features, with manual forward/backward passes.
package nn

import (
	"fmt"
	"math"
)

// Family identifies a model family. Dispatch on family is always explicit;
// callers thread it through instead of inspecting the concrete type.
type Family string

const (
	FamilyStudent Family = "student"
	FamilyTeacher Family = "teacher"
)

// ParseFamily validates a model-type string from an API request.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyStudent, FamilyTeacher:
		return Family(s), nil
	default:
		return "", fmt.Errorf("unsupported model type: %q", s)
	}
}

// ModelConfig holds the dimensions for both families. Unused fields are
// ignored by the family that does not need them.
type ModelConfig struct {
	EmbeddingDim      int   `json:"embedding_dim"`
	SequenceDim       int   `json:"sequence_dim"`
	StudentFeatureDim int   `json:"student_feature_dim"`
	HiddenSize        int   `json:"hidden_size"`
	NumWeaknessLabels int   `json:"num_weakness_labels"`
	NumInterestLabels int   `json:"num_interest_labels"`
	NumPathSteps      int   `json:"num_path_steps"`
	NumSubjects       int   `json:"num_subjects"`
	NumStudentLayers  int   `json:"num_student_layers"`
	Seed              int64 `json:"seed"`
}

// DefaultModelConfig returns dimensions matching the service defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		EmbeddingDim:      64,
		SequenceDim:       16,
		StudentFeatureDim: 4,
		HiddenSize:        128,
		NumWeaknessLabels: 10,
		NumInterestLabels: 8,
		NumPathSteps:      6,
		NumSubjects:       5,
		NumStudentLayers:  3,
		Seed:              42,
	}
}

// Parameter is a named mutable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// WeightTensor is the serialized form of a parameter in a state dict.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Model is the differentiable-model capability consumed by the training
// orchestrator, the compression engine, and the ensemble engine.
//
// Forward returns raw per-head logits and caches the activations needed by
// Backward; a model instance must not be shared across concurrent passes.
// Predict applies the per-head output activations (sigmoid or softmax) and
// caches nothing.
type Model interface {
	Family() Family
	Config() ModelConfig
	Heads() []string
	Forward(features [][]float32) map[string][][]float32
	Backward(headGrads map[string][][]float32)
	Predict(features [][]float32) map[string][][]float32
	Parameters() []*Parameter
	Linears() []*Linear
	StateDict() []WeightTensor
	LoadStateDict(tensors []WeightTensor) error
	Clone() Model
}

// New constructs a fresh model of the given family.
func New(family Family, cfg ModelConfig) (Model, error) {
	switch family {
	case FamilyStudent:
		return NewStudentModel(cfg), nil
	case FamilyTeacher:
		return NewTeacherModel(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported model family: %q", family)
	}
}

// InputDim returns the trunk input width for the given family.
func (c ModelConfig) InputDim(family Family) int {
	if family == FamilyStudent {
		return c.EmbeddingDim + c.SequenceDim
	}
	return c.EmbeddingDim + c.StudentFeatureDim
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(logits []float32) []float32 {
	out := make([]float32, len(logits))
	for i, v := range logits {
		out[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	return out
}

// Softmax applies a numerically stable softmax.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	max := float32(math.Inf(-1))
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// LogSoftmax returns log(softmax(logits)).
func LogSoftmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	max := float32(math.Inf(-1))
	for _, v := range logits {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - max))
	}
	logSum := math.Log(sum)
	for i, v := range logits {
		out[i] = float32(float64(v-max) - logSum)
	}
	return out
}

func applyRows(batch [][]float32, fn func([]float32) []float32) [][]float32 {
	out := make([][]float32, len(batch))
	for i, row := range batch {
		out[i] = fn(row)
	}
	return out
}

func loadInto(params []*Parameter, tensors []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(tensors))
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, p := range params {
		t, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("state dict missing tensor %q", p.Name)
		}
		if len(t.Data) != len(p.Data) {
			return fmt.Errorf("tensor %q size mismatch: have %d, want %d", p.Name, len(t.Data), len(p.Data))
		}
		copy(p.Data, t.Data)
	}
	return nil
}

func dumpFrom(params []*Parameter) []WeightTensor {
	tensors := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		tensors = append(tensors, WeightTensor{Name: p.Name, Shape: shape, Data: data})
	}
	return tensors
}

// NumParams counts the scalar parameters of a model.
func NumParams(m Model) int {
	var n int
	for _, p := range m.Parameters() {
		n += len(p.Data)
	}
	return n
}

// SizeBytes reports the in-memory parameter footprint assuming float32 storage.
func SizeBytes(m Model) int {
	return NumParams(m) * 4
}
