// Package models defines the API request and response payloads.
package models

import (
	"github.com/edulab-ai/model-service/training"
)

// TrainRequest is the payload for POST /api/v1/model/train. Exactly one of
// StudentData or TeacherData must be set, matching ModelType.
type TrainRequest struct {
	UserID      int64                         `json:"user_id" binding:"required"`
	ModelType   string                        `json:"model_type" binding:"required"`
	Distributed bool                          `json:"distributed"`
	StudentData *training.StudentTrainingData `json:"student_data,omitempty"`
	TeacherData *training.TeacherTrainingData `json:"teacher_data,omitempty"`
}

// TrainResponse reports a finished training run.
type TrainResponse struct {
	Status       string        `json:"status"`
	ModelPath    string        `json:"model_path"`
	TrainingInfo *training.Job `json:"training_info"`
}

// PredictRequest is the payload for POST /api/v1/model/predict.
type PredictRequest struct {
	UserID    int64       `json:"user_id" binding:"required"`
	ModelType string      `json:"model_type" binding:"required"`
	Version   string      `json:"version"`
	Features  [][]float32 `json:"features" binding:"required"`
}

// PredictResponse carries the per-head probability rows.
type PredictResponse struct {
	ModelType   string                 `json:"model_type"`
	Version     string                 `json:"version"`
	Predictions map[string][][]float32 `json:"predictions"`
}

// CompressRequest is the payload for POST /api/v1/model/compress.
type CompressRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	ModelType string `json:"model_type" binding:"required"`
	Version   string `json:"version"`
	Method    string `json:"method" binding:"required"`

	// Pruning
	Amount      float64 `json:"amount"`
	PruneMethod string  `json:"prune_method"`
	// Structural
	RankRatio float64 `json:"rank_ratio"`
	// Distillation
	Alpha       float64                       `json:"alpha"`
	Temperature float64                       `json:"temperature"`
	HiddenSize  int                           `json:"hidden_size"`
	Epochs      int                           `json:"epochs"`
	StudentData *training.StudentTrainingData `json:"student_data,omitempty"`
	TeacherData *training.TeacherTrainingData `json:"teacher_data,omitempty"`
}

// QuantizeRequest is the payload for POST /api/v1/model/quantize.
type QuantizeRequest struct {
	UserID    int64  `json:"user_id" binding:"required"`
	ModelType string `json:"model_type" binding:"required"`
	Version   string `json:"version"`
	Mode      string `json:"mode"`
	Epochs    int    `json:"epochs"`

	StudentData *training.StudentTrainingData `json:"student_data,omitempty"`
	TeacherData *training.TeacherTrainingData `json:"teacher_data,omitempty"`
}

// EnsembleBuildRequest is the payload for POST /api/v1/model/ensemble. Members
// name existing checkpoint versions of one owner and family.
type EnsembleBuildRequest struct {
	UserID    int64            `json:"user_id" binding:"required"`
	ModelType string           `json:"model_type" binding:"required"`
	Name      string           `json:"name" binding:"required"`
	Members   []EnsembleMember `json:"members" binding:"required"`
}

// EnsembleMember selects one checkpoint version with its raw weight.
type EnsembleMember struct {
	Version string  `json:"version"`
	Weight  float64 `json:"weight"`
}

// EnsembleBuildResponse reports the stored ensemble.
type EnsembleBuildResponse struct {
	Name    string    `json:"name"`
	Members int       `json:"members"`
	Weights []float64 `json:"weights"`
	Path    string    `json:"path"`
}

// EnsemblePredictRequest is the payload for POST /api/v1/model/ensemble/predict.
type EnsemblePredictRequest struct {
	Name     string      `json:"name" binding:"required"`
	Method   string      `json:"method"`
	Features [][]float32 `json:"features" binding:"required"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
