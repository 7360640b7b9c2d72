package training

import (
	"time"

	"github.com/edulab-ai/model-service/nn"
)

// JobStatus is the lifecycle state of a training job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobTraining  JobStatus = "training"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Numeric status codes reported to the metrics sink.
const (
	StatusCodeIdle = iota
	StatusCodeTraining
	StatusCodeCompleted
	StatusCodeFailed
)

// Job is the in-memory record of one training run, keyed by (family, owner).
// It is mutated once per epoch by the orchestrator and becomes terminal on
// completion or failure. It is not persisted beyond process lifetime; the
// optional JobRecorder write-through provides a durable audit trail.
type Job struct {
	ID           string       `json:"id"`
	OwnerID      int64        `json:"owner_id"`
	ModelType    nn.Family    `json:"model_type"`
	Status       JobStatus    `json:"status"`
	Progress     float64      `json:"progress"`
	CurrentEpoch int          `json:"current_epoch"`
	LearningRate float64      `json:"current_lr"`
	LastLoss     float64      `json:"last_loss"`
	Metrics      Metrics      `json:"metrics,omitempty"`
	ModelVersion string       `json:"model_version,omitempty"`
	Summary      *StopSummary `json:"training_summary,omitempty"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      *time.Time   `json:"end_time,omitempty"`
	Error        string       `json:"error,omitempty"`
	Distributed  bool         `json:"distributed,omitempty"`
	WorldSize    int          `json:"world_size,omitempty"`
}

func (j *Job) statusCode() int {
	switch j.Status {
	case JobTraining:
		return StatusCodeTraining
	case JobCompleted:
		return StatusCodeCompleted
	case JobFailed:
		return StatusCodeFailed
	default:
		return StatusCodeIdle
	}
}

// Result is the outcome of a completed training call.
type Result struct {
	Status       string `json:"status"`
	ModelPath    string `json:"model_path"`
	TrainingInfo *Job   `json:"training_info"`
}

// MetricsSink receives per-epoch training telemetry. Implementations must not
// fail the caller; write failures are their own concern.
type MetricsSink interface {
	UpdateTraining(ownerID int64, family nn.Family, statusCode int, progress, loss float64)
}

// StatusCache invalidates cached views of jobs and model info.
type StatusCache interface {
	InvalidateTrainingStatus(ownerID int64)
	InvalidateModelInfo(ownerID int64, family nn.Family)
}

// JobRecorder writes job snapshots through to durable storage. Errors are
// handled by the implementation; recording never aborts training.
type JobRecorder interface {
	RecordJob(job *Job)
}
