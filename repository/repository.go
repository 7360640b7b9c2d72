// Package repository persists training-job records in Postgres through gorm.
package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/edulab-ai/model-service/config"
	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/training"
)

// Repository handles database operations. It implements training.JobRecorder;
// a nil Repository is valid and records nothing.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository over an initialized database, or nil
// when persistence is disabled.
func NewRepository(db *gorm.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// RecordJob upserts one job snapshot. Called once per epoch from the
// orchestrator; failures are logged and never abort training.
func (r *Repository) RecordJob(job *training.Job) {
	if r == nil {
		return
	}
	detail, err := json.Marshal(job)
	if err != nil {
		logger.Errorf("marshal job %s: %v", job.ID, err)
		return
	}

	record := config.TrainingJobRecord{
		ID:           job.ID,
		OwnerID:      job.OwnerID,
		ModelType:    string(job.ModelType),
		Status:       string(job.Status),
		Progress:     job.Progress,
		CurrentEpoch: job.CurrentEpoch,
		LastLoss:     job.LastLoss,
		ModelVersion: job.ModelVersion,
		Distributed:  job.Distributed,
		WorldSize:    job.WorldSize,
		Detail:       string(detail),
		Error:        job.Error,
		StartedAt:    job.StartTime,
		FinishedAt:   job.EndTime,
		UpdatedAt:    time.Now(),
	}

	err = r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "progress", "current_epoch", "last_loss", "model_version",
			"detail", "error", "finished_at", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		logger.Errorf("record job %s: %v", job.ID, err)
	}
}

// GetJob retrieves one job record by ID.
func (r *Repository) GetJob(id string) (*config.TrainingJobRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("job persistence disabled")
	}
	var record config.TrainingJobRecord
	if err := r.db.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListJobs lists an owner's job records, newest first. A zero owner ID lists
// all.
func (r *Repository) ListJobs(ownerID int64) ([]config.TrainingJobRecord, error) {
	if r == nil {
		return nil, nil
	}
	var records []config.TrainingJobRecord
	query := r.db.Order("started_at DESC")
	if ownerID != 0 {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListStaleRunning returns records still marked as training whose last update
// is older than the threshold. These are jobs orphaned by a crash.
func (r *Repository) ListStaleRunning(threshold time.Duration) ([]config.TrainingJobRecord, error) {
	if r == nil {
		return nil, nil
	}
	var records []config.TrainingJobRecord
	cutoff := time.Now().Add(-threshold)
	err := r.db.Where("status = ? AND updated_at < ?", string(training.JobTraining), cutoff).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkFailed transitions one record to failed with a message.
func (r *Repository) MarkFailed(id, message string) error {
	if r == nil {
		return nil
	}
	now := time.Now()
	return r.db.Model(&config.TrainingJobRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      string(training.JobFailed),
			"error":       message,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}
