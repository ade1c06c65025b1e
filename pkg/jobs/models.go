package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xhad/docflow/internal/errs"
)

type Queue string

const (
	QueueDocuments Queue = "document-processing"
	QueueDrawings  Queue = "drawing-extraction"
	QueueChunks    Queue = "chunk-embedding"
)

// JobState represents the lifecycle state of a queued job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Job is the GORM model for a queued unit of work.
type Job struct {
	ID           string         `gorm:"primaryKey;column:id;type:varchar(36)"`
	Queue        Queue          `gorm:"column:queue;type:varchar(64);not null;index:idx_jobs_claim,priority:1"`
	Type         string         `gorm:"column:type;type:varchar(64);not null"`
	Payload      datatypes.JSON `gorm:"column:payload;not null"`
	State        JobState       `gorm:"column:state;type:varchar(16);not null;default:queued;index:idx_jobs_claim,priority:2"`
	Attempt      int            `gorm:"column:attempt;not null;default:0"`
	MaxAttempts  int            `gorm:"column:max_attempts;not null"`
	AvailableAt  time.Time      `gorm:"column:available_at;not null;index:idx_jobs_claim,priority:3"`
	StartedAt    *time.Time     `gorm:"column:started_at"`
	FinishedAt   *time.Time     `gorm:"column:finished_at"`
	LastError    string         `gorm:"column:last_error"`
	DedupeKey    *string        `gorm:"column:dedupe_key;type:varchar(200);index"`
	ExclusiveKey *string        `gorm:"column:exclusive_key;type:varchar(200)"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

func (j *Job) IsTerminal() bool {
	return j.State == JobStateSucceeded || j.State == JobStateFailed
}

// Decode unmarshals the payload. A malformed payload is a validation error.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errs.E(errs.KindValidation, "jobs.Decode", err)
	}
	return nil
}

// Migrate creates the jobs table and the index that allows at most one
// running job per exclusive key.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Job{}); err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_running_exclusive
		ON jobs (exclusive_key) WHERE state = 'running'`).Error
}
