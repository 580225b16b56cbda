package pipeline

import (
	"context"
	"time"

	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// ReceiptStore is the receipt persistence the coordinator checkpoints into.
type ReceiptStore interface {
	GetReceipt(ctx context.Context, id int64) (*models.Receipt, error)
	UpdateReceiptProgress(ctx context.Context, id int64, status models.ReceiptStatus, step models.ProcessingStep, errMsg *string) error
	SaveOCRResult(ctx context.Context, id int64, cp models.OCRCheckpoint) error
	SaveParsedReceipt(ctx context.Context, id int64, parsed *models.ParsedReceipt) error
	ReplaceLineItems(ctx context.Context, receiptID int64, items []models.CreateLineItemRequest) ([]models.LineItem, error)
	GetLineItems(ctx context.Context, receiptID int64) ([]models.LineItem, error)
	RequestCancel(ctx context.Context, id int64) error
}

// JobQueue stores pipeline jobs. ClaimDueJob returns nil when nothing is due.
// CreateJob also points the receipt at the new job.
type JobQueue interface {
	CreateJob(ctx context.Context, id string, receiptID int64, maxAttempts int) (*models.Job, error)
	ClaimDueJob(ctx context.Context) (*models.Job, error)
	GetActiveJob(ctx context.Context, receiptID int64) (*models.Job, error)
	FinishJob(ctx context.Context, id string, state models.JobState, lastError *string) error
	ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastError string) error
	DeferJob(ctx context.Context, id string, runAt time.Time) error
	CancelQueuedJob(ctx context.Context, receiptID int64) (bool, error)
	RequeueStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	FailStaleJobs(ctx context.Context, startedBefore time.Time) ([]models.Job, error)
}

// ImageSource returns the stored bytes of a receipt image.
type ImageSource interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Preprocessor interface {
	Process(ctx context.Context, image []byte, contentType string) services.PreprocessResult
}

type TextExtractor interface {
	Extract(ctx context.Context, image []byte) (*services.OCRResult, error)
}

type ReceiptParser interface {
	Parse(ctx context.Context, text string) (*models.ParsedReceipt, error)
}

type Matcher interface {
	Match(ctx context.Context, name string) (*models.MatchResult, error)
}

type StockApplier interface {
	ApplyReceipt(ctx context.Context, receiptID int64, items []models.LineItem) (*services.ApplyResult, error)
}

// Stages bundles the capabilities a run sequences.
type Stages struct {
	Images       ImageSource
	Preprocessor Preprocessor
	OCR          TextExtractor
	Parser       ReceiptParser
	Matcher      Matcher
	Inventory    StockApplier
}
