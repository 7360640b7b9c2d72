package config

import (
	"time"

	"gorm.io/gorm"
)

// TrainingJobRecord is the durable audit row for a training job. The
// orchestrator's in-memory job state is written through here once per epoch.
type TrainingJobRecord struct {
	ID           string  `gorm:"primaryKey"`
	OwnerID      int64   `gorm:"index"`
	ModelType    string  `gorm:"index"`
	Status       string  `gorm:"index"`
	Progress     float64
	CurrentEpoch int
	LastLoss     float64
	ModelVersion string
	Distributed  bool
	WorldSize    int
	Detail       string `gorm:"type:jsonb"` // Full job snapshot as JSON
	Error        string `gorm:"type:text"`
	StartedAt    time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// TableName overrides the table name
func (TrainingJobRecord) TableName() string {
	return "training_jobs"
}
