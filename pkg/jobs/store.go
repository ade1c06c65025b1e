package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/xhad/docflow/internal/dbutil"
	"github.com/xhad/docflow/internal/errs"
)

// JobStore provides database operations for queued jobs. Build it over a
// transaction handle to enqueue atomically with other writes.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

type EnqueueRequest struct {
	Queue   Queue
	Type    string
	Payload any
	// DedupeKey folds the request into an existing queued job with the same key.
	DedupeKey string
	// ExclusiveKey allows at most one running job per key.
	ExclusiveKey string
	MaxAttempts  int
	Delay        time.Duration
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Enqueue creates a queued job, or returns the queued job that already
// carries req.DedupeKey.
func (s *JobStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "jobs.Enqueue", err)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	db := s.db.WithContext(ctx)

	if req.DedupeKey != "" {
		var existing []Job
		err := db.Where("dedupe_key = ? AND state = ?", req.DedupeKey, JobStateQueued).
			Limit(1).Find(&existing).Error
		if err != nil {
			return nil, errs.Database("jobs.Enqueue", fmt.Errorf("check dedupe key: %w", err))
		}
		if len(existing) > 0 {
			return &existing[0], nil
		}
	}

	job := &Job{
		Queue:        req.Queue,
		Type:         req.Type,
		Payload:      payload,
		State:        JobStateQueued,
		MaxAttempts:  req.MaxAttempts,
		AvailableAt:  s.now().Add(req.Delay),
		DedupeKey:    optional(req.DedupeKey),
		ExclusiveKey: optional(req.ExclusiveKey),
	}
	if err := db.Create(job).Error; err != nil {
		return nil, errs.Database("jobs.Enqueue", err)
	}
	return job, nil
}

const claimCandidate = `
	FROM jobs j
	WHERE j.queue = ? AND j.state = ? AND j.available_at <= ?
	  AND (j.exclusive_key IS NULL OR NOT EXISTS (
		SELECT 1 FROM jobs r WHERE r.exclusive_key = j.exclusive_key AND r.state = ?))
	ORDER BY j.available_at ASC, j.created_at ASC
	LIMIT 1`

// Claim atomically picks the oldest available job on the queue whose
// exclusive key is free and transitions it to running. It returns nil when
// nothing is claimable.
func (s *JobStore) Claim(ctx context.Context, queue Queue) (*Job, error) {
	var job Job
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := "SELECT j.*" + claimCandidate
		if dbutil.IsPostgres(tx) {
			query += " FOR UPDATE SKIP LOCKED"
		}
		if err := tx.Raw(query, queue, JobStateQueued, now, JobStateRunning).Scan(&job).Error; err != nil {
			return err
		}
		if job.ID == "" {
			return nil
		}

		return tx.Model(&Job{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":      JobStateRunning,
				"started_at": now,
				"attempt":    gorm.Expr("attempt + 1"),
				"updated_at": now,
			}).Error
	})

	if err != nil {
		// Another claimer took the same exclusive key first.
		if dbutil.IsDuplicateKey(err) {
			return nil, nil
		}
		return nil, errs.Database("jobs.Claim", err)
	}
	if job.ID == "" {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&job, "id = ?", job.ID).Error; err != nil {
		return nil, errs.Database("jobs.Claim", fmt.Errorf("reload claimed job: %w", err))
	}
	return &job, nil
}

func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":       JobStateSucceeded,
		"finished_at": now,
		"last_error":  "",
		"updated_at":  now,
	}).Error
	if err != nil {
		return errs.Database("jobs.Complete", err)
	}
	return nil
}

// Fail records the attempt's error. The job is re-queued with exponential
// backoff until it runs out of attempts. Validation and not-found errors
// never retry.
func (s *JobStore) Fail(ctx context.Context, job *Job, cause error, backoff time.Duration) error {
	now := s.now()
	updates := map[string]any{
		"last_error": cause.Error(),
		"updated_at": now,
	}

	if job.Attempt < job.MaxAttempts && !permanent(cause) {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["available_at"] = now.Add(RetryDelay(backoff, job.Attempt))
	} else {
		updates["state"] = JobStateFailed
		updates["finished_at"] = now
	}

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return errs.Database("jobs.Fail", err)
	}
	return nil
}

func permanent(err error) bool {
	return errs.Is(err, errs.KindValidation) || errs.Is(err, errs.KindNotFound)
}

// RetryDelay doubles base for every attempt already made, capped at an hour.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(time.Hour) {
		return time.Hour
	}
	return time.Duration(d)
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if dbutil.IsNotFound(err) {
			return nil, errs.NotFound("jobs.Get", fmt.Errorf("job %s not found", jobID))
		}
		return nil, errs.Database("jobs.Get", err)
	}
	return &job, nil
}

// CleanupStuckJobs returns running jobs whose claim is older than
// claimTimeout to the queue, or fails them when no attempts remain.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-claimTimeout)
	db := s.db.WithContext(ctx)

	failed := db.Model(&Job{}).
		Where("state = ? AND started_at < ? AND attempt >= max_attempts", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":       JobStateFailed,
			"finished_at": now,
			"last_error":  "Timed out (stuck job recovery)",
			"updated_at":  now,
		})
	if failed.Error != nil {
		return 0, errs.Database("jobs.CleanupStuckJobs", failed.Error)
	}

	requeued := db.Model(&Job{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":        JobStateQueued,
			"started_at":   nil,
			"available_at": now,
			"last_error":   "Timed out (stuck job recovery)",
			"updated_at":   now,
		})
	if requeued.Error != nil {
		return 0, errs.Database("jobs.CleanupStuckJobs", requeued.Error)
	}
	return failed.RowsAffected + requeued.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", []JobState{JobStateSucceeded, JobStateFailed}, cutoff.UTC()).
		Delete(&Job{})
	if result.Error != nil {
		return 0, errs.Database("jobs.DeleteOlderThan", result.Error)
	}
	return result.RowsAffected, nil
}

// Pending counts queued and running jobs on a queue.
func (s *JobStore) Pending(ctx context.Context, queue Queue) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Job{}).
		Where("queue = ? AND state IN ?", queue, []JobState{JobStateQueued, JobStateRunning}).
		Count(&n).Error
	if err != nil {
		return 0, errs.Database("jobs.Pending", err)
	}
	return n, nil
}
