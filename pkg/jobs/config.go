package jobs

import (
	"time"
)

// JobConfig controls one worker pool.
type JobConfig struct {
	Concurrency   int           // Concurrent handlers. Default 2.
	PollInterval  time.Duration // How often idle workers poll. Default 2s.
	ClaimTimeout  time.Duration // Running longer than this counts as stuck. Default 10m.
	RetryBackoff  time.Duration // Base delay before a failed job is retried. Default 30s.
	RetentionDays int           // How long to keep finished jobs. Default 7.
}

func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Concurrency:   2,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  10 * time.Minute,
		RetryBackoff:  30 * time.Second,
		RetentionDays: 7,
	}
}
