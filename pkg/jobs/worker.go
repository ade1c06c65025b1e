package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one claimed job. A returned error fails the attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// WorkerPool processes one queue using a pool of goroutines.
type WorkerPool struct {
	store   *JobStore
	queue   Queue
	handler Handler
	cfg     *JobConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewWorkerPool(store *JobStore, queue Queue, handler Handler, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:   store,
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("queue", string(queue)),
	}
}

// Run spawns cfg.Concurrency workers and blocks until ctx is cancelled,
// then waits for in-flight jobs to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	wp.logger.Info("job worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("job worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("job worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep draining while jobs are available.
			for ctx.Err() == nil {
				processed, err := wp.ProcessOne(ctx)
				if err != nil {
					wp.logger.Error("failed to claim job", "workerID", workerID, "error", err)
				}
				if !processed {
					break
				}
			}
		}
	}
}

// ProcessOne claims and runs a single job. It reports whether a job was
// claimed. Handler errors are recorded on the job, not returned.
func (wp *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := wp.store.Claim(ctx, wp.queue)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log := wp.logger.With("jobID", job.ID, "type", job.Type, "attempt", job.Attempt)
	log.Info("processing job")
	start := time.Now()

	// The claim timeout doubles as the per-attempt deadline so a hung
	// handler gives up before the job is redelivered.
	var jobCtx context.Context
	var cancel context.CancelFunc
	if wp.cfg.ClaimTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, wp.cfg.ClaimTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := wp.run(jobCtx, job); err != nil {
		log.Error("job failed", "error", err, "duration", time.Since(start).String())
		// Record the failure even when the parent context was cancelled.
		if failErr := wp.store.Fail(context.WithoutCancel(ctx), job, err, wp.cfg.RetryBackoff); failErr != nil {
			log.Error("failed to mark job as failed", "error", failErr)
		}
		return true, nil
	}

	log.Info("job completed", "duration", time.Since(start).String())
	if err := wp.store.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		log.Error("failed to mark job as complete", "error", err)
	}
	return true, nil
}

func (wp *WorkerPool) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return wp.handler.Handle(ctx, job)
}

// Drain processes jobs until the queue has nothing claimable.
func (wp *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := wp.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			return n, nil
		}
		n++
	}
}

func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck jobs", "error", err)
				} else if recovered > 0 {
					wp.logger.Info("recovered stuck jobs", "count", recovered)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old jobs", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old jobs", "count", deleted)
				}
			}
		}
	}
}
