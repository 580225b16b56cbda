package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// Service is the job boundary used by the HTTP layer.
type Service struct {
	receipts ReceiptStore
	jobs     JobQueue
	lease    services.ReceiptLease
	policy   RetryPolicy
	notifier services.ProgressNotifier
	log      *logger.Logger
}

func NewService(receipts ReceiptStore, jobs JobQueue, lease services.ReceiptLease, policy RetryPolicy, notifier services.ProgressNotifier, log *logger.Logger) *Service {
	if lease == nil {
		lease = services.NewMemoryLease()
	}
	if notifier == nil {
		notifier = services.NewLogNotifier(log)
	}
	return &Service{
		receipts: receipts,
		jobs:     jobs,
		lease:    lease,
		policy:   policy.normalized(),
		notifier: notifier,
		log:      log.With("component", "PipelineService"),
	}
}

// Submit queues a run for the receipt and returns the job id. A receipt
// with an active job or a held lease yields ErrAlreadyRunning.
func (s *Service) Submit(ctx context.Context, receiptID int64) (string, error) {
	r, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return "", err
	}
	if r.IsFinished() || r.ProcessingStep == models.StepFailed {
		return "", ErrReceiptFinished
	}

	held, err := s.lease.Held(ctx, receiptID)
	if err != nil {
		return "", fmt.Errorf("check receipt lease: %w", err)
	}
	if held {
		return "", ErrAlreadyRunning
	}
	if _, err := s.jobs.GetActiveJob(ctx, receiptID); err == nil {
		return "", ErrAlreadyRunning
	} else if !errors.Is(err, database.ErrJobNotFound) {
		return "", fmt.Errorf("check active job: %w", err)
	}

	// the receipt is only touched once the job exists, inside CreateJob
	job, err := s.jobs.CreateJob(ctx, uuid.NewString(), receiptID, s.policy.MaxAttempts)
	if err != nil {
		if errors.Is(err, database.ErrJobActive) {
			return "", ErrAlreadyRunning
		}
		return "", fmt.Errorf("create job: %w", err)
	}
	s.publish(ctx, receiptID, r.ProcessingStep, "queued")

	s.log.Info("Receipt submitted", "receipt_id", receiptID, "job_id", job.ID, "step", r.ProcessingStep)
	return job.ID, nil
}

// Status answers the status query for a receipt
func (s *Service) Status(ctx context.Context, receiptID int64) (*models.ReceiptStatusView, error) {
	r, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	return r.StatusView(), nil
}

// Cancel flags the receipt. A queued job is cancelled at once; a running
// one stops at its next stage boundary.
func (s *Service) Cancel(ctx context.Context, receiptID int64) error {
	r, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	if r.IsFinished() || r.ProcessingStep == models.StepFailed {
		return ErrReceiptFinished
	}
	if err := s.receipts.RequestCancel(ctx, receiptID); err != nil {
		return err
	}

	cancelled, err := s.jobs.CancelQueuedJob(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("cancel queued job: %w", err)
	}
	if cancelled {
		s.publish(ctx, receiptID, r.ProcessingStep, "cancelled")
	}
	s.log.Info("Receipt cancellation requested", "receipt_id", receiptID, "queued_job_cancelled", cancelled)
	return nil
}

func (s *Service) publish(ctx context.Context, receiptID int64, step models.ProcessingStep, message string) {
	ev := models.ProgressEvent{
		ReceiptID:          receiptID,
		Status:             models.ReceiptStatusPending,
		ProcessingStep:     step,
		ProgressPercentage: step.Progress(),
		Message:            message,
		OccurredAt:         time.Now(),
	}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.log.Warn("Progress event not delivered", "receipt_id", receiptID, "error", err)
	}
}
