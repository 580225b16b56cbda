package models

import "time"

// JobState is the lifecycle of a pipeline job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateRetrying  JobState = "retrying"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Active reports whether the job still occupies its receipt.
func (s JobState) Active() bool {
	return s == JobStateQueued || s == JobStateRunning || s == JobStateRetrying
}

// Job is one asynchronous pipeline run keyed by receipt
type Job struct {
	ID          string     `json:"id"`
	ReceiptID   int64      `json:"receipt_id"`
	State       JobState   `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `json:"run_at"`
	LastError   *string    `json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProgressEvent is emitted on every stage transition. Consumers must
// tolerate duplicates.
type ProgressEvent struct {
	ReceiptID          int64          `json:"receipt_id"`
	Status             ReceiptStatus  `json:"status"`
	ProcessingStep     ProcessingStep `json:"processing_step"`
	ProgressPercentage int            `json:"progress_percentage"`
	Message            string         `json:"message"`
	OccurredAt         time.Time      `json:"occurred_at"`
}
