package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// WorkerOptions sizes and paces the worker pool
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// DeferDelay is how long a job waits when its receipt is held elsewhere
	DeferDelay time.Duration
	// StaleAfter requeues running jobs whose worker stopped reporting
	StaleAfter time.Duration
}

// Worker claims due jobs and runs them through the coordinator.
type Worker struct {
	jobs    JobQueue
	coord   *Coordinator
	policy  RetryPolicy
	opts    WorkerOptions
	log     *logger.Logger
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

func NewWorker(jobs JobQueue, coord *Coordinator, policy RetryPolicy, opts WorkerOptions, log *logger.Logger, m *metrics.PipelineMetrics) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DeferDelay <= 0 {
		opts.DeferDelay = 10 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * coord.opts.LeaseTTL
	}
	return &Worker{
		jobs:    jobs,
		coord:   coord,
		policy:  policy.normalized(),
		opts:    opts,
		log:     log.With("component", "PipelineWorker"),
		metrics: m,
		now:     time.Now,
	}
}

// Start runs the pool until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("Starting pipeline worker pool", "concurrency", w.opts.Concurrency)

	var g errgroup.Group
	for i := 0; i < w.opts.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.runLoop(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		w.requeueLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			// drain everything due before sleeping again
			for ctx.Err() == nil {
				processed, err := w.ProcessNext(ctx)
				if err != nil {
					w.log.Warn("Claiming job failed", "worker_id", workerID, "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (w *Worker) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StaleAfter / 2)
	defer ticker.Stop()
	for {
		if err := w.ReapStale(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("Reaping stale jobs failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReapStale settles running jobs whose worker stopped reporting. A job on
// its last attempt fails along with its receipt; the rest go back to the
// queue.
func (w *Worker) ReapStale(ctx context.Context) error {
	cutoff := w.now().Add(-w.opts.StaleAfter)

	exhausted, err := w.jobs.FailStaleJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("fail exhausted jobs: %w", err)
	}
	for _, job := range exhausted {
		cause := fmt.Errorf("worker lost during attempt %d of %d", job.Attempt, job.MaxAttempts)
		w.log.Error("Job exhausted by lost workers", "job_id", job.ID, "receipt_id", job.ReceiptID, "attempt", job.Attempt)
		if err := w.coord.RecordFailure(ctx, job.ReceiptID, cause); err != nil && !errors.Is(err, database.ErrReceiptNotFound) {
			w.log.Error("Failed to record failure on receipt", "receipt_id", job.ReceiptID, "error", err)
		}
		w.metrics.ObserveJob(metrics.OutcomeError)
	}

	n, err := w.jobs.RequeueStaleJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		w.log.Warn("Requeued stale jobs", "count", n)
	}
	return nil
}

// ProcessNext claims and runs one due job. It reports false when nothing
// was due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimDueJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *models.Job) {
	log := w.log.With("job_id", job.ID, "receipt_id", job.ReceiptID, "attempt", job.Attempt)
	log.Info("Job claimed")

	err := w.runSafely(ctx, job)
	settle := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		w.finish(settle, log, job, models.JobStateSucceeded, nil)
		w.metrics.ObserveJob(metrics.OutcomeSuccess)

	case errors.Is(err, ErrAlreadyRunning):
		log.Info("Receipt busy, deferring job")
		if err := w.jobs.DeferJob(settle, job.ID, w.now().Add(w.opts.DeferDelay)); err != nil {
			log.Error("Failed to defer job", "error", err)
		}
		w.metrics.ObserveJob(metrics.OutcomeSkipped)

	case errors.Is(err, services.ErrCancelled), errors.Is(err, ErrReceiptGone):
		w.finish(settle, log, job, models.JobStateCancelled, nil)
		w.metrics.ObserveJob(metrics.OutcomeCancelled)

	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		// shutdown or lost lease: hand the job back untouched
		if err := w.jobs.DeferJob(settle, job.ID, w.now()); err != nil {
			log.Error("Failed to requeue interrupted job", "error", err)
		}

	case w.policy.ShouldRetry(job.Attempt, err):
		runAt := w.now().Add(w.policy.Backoff(job.Attempt))
		log.Warn("Job attempt failed, scheduling retry", "run_at", runAt, "error", err)
		if rerr := w.coord.RecordRetry(settle, job.ReceiptID, err, job.Attempt, runAt); rerr != nil {
			log.Error("Failed to record retry on receipt", "error", rerr)
		}
		if rerr := w.jobs.ScheduleRetry(settle, job.ID, runAt, err.Error()); rerr != nil {
			log.Error("Failed to schedule retry", "error", rerr)
		}
		w.metrics.ObserveJob(metrics.OutcomeRetry)

	default:
		var se *StageError
		if !errors.As(err, &se) || !se.Recorded {
			if rerr := w.coord.RecordFailure(settle, job.ReceiptID, err); rerr != nil {
				log.Error("Failed to record failure on receipt", "error", rerr)
			}
		}
		msg := err.Error()
		log.Error("Job failed", "error", err)
		w.finish(settle, log, job, models.JobStateFailed, &msg)
		w.metrics.ObserveJob(metrics.OutcomeError)
	}
}

func (w *Worker) runSafely(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Pipeline run panic", "job_id", job.ID, "receipt_id", job.ReceiptID, "panic", r)
			err = &panicError{val: r}
		}
	}()
	return w.coord.Run(ctx, job.ReceiptID)
}

func (w *Worker) finish(ctx context.Context, log *logger.Logger, job *models.Job, state models.JobState, lastError *string) {
	if err := w.jobs.FinishJob(ctx, job.ID, state, lastError); err != nil {
		log.Error("Failed to finish job", "state", state, "error", err)
		return
	}
	log.Info("Job finished", "state", state)
}
