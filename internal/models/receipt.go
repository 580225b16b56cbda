package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptStatus is the coarse, user-facing status of a receipt
type ReceiptStatus string

const (
	ReceiptStatusPending       ReceiptStatus = "pending"
	ReceiptStatusProcessing    ReceiptStatus = "processing"
	ReceiptStatusReviewPending ReceiptStatus = "review_pending"
	ReceiptStatusCompleted     ReceiptStatus = "completed"
	ReceiptStatusError         ReceiptStatus = "error"
)

// MatchType records which matcher tier resolved a line item
type MatchType string

const (
	MatchTypeExact   MatchType = "exact"
	MatchTypeAlias   MatchType = "alias"
	MatchTypeFuzzy   MatchType = "fuzzy"
	MatchTypeCreated MatchType = "created"
	MatchTypeManual  MatchType = "manual"
)

// Receipt represents an uploaded receipt and its pipeline state
type Receipt struct {
	ID               int64            `json:"id"`
	S3Bucket         string           `json:"s3_bucket"`
	S3Key            string           `json:"s3_key"`
	OriginalFilename *string          `json:"original_filename,omitempty"`
	ContentType      string           `json:"content_type"`
	FileSizeBytes    int64            `json:"file_size_bytes"`
	UploadedBy       *string          `json:"uploaded_by,omitempty"`
	RawOCRText       *string          `json:"raw_ocr_text,omitempty"`
	OCRBackend       *string          `json:"ocr_backend,omitempty"`
	OCRConfidence    *float64         `json:"ocr_confidence,omitempty"`
	ImageDegraded    bool             `json:"image_degraded"`
	ExtractedData    *ParsedReceipt   `json:"extracted_data,omitempty"`
	StoreName        *string          `json:"store_name,omitempty"`
	PurchasedAt      *time.Time       `json:"purchased_at,omitempty"`
	Currency         string           `json:"currency"`
	TotalAmount      *decimal.Decimal `json:"total_amount,omitempty"`
	Status           ReceiptStatus    `json:"status"`
	ProcessingStep   ProcessingStep   `json:"processing_step"`
	ErrorMessage     *string          `json:"error_message,omitempty"`
	TaskID           *string          `json:"task_id,omitempty"`
	CancelRequested  bool             `json:"cancel_requested"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ReceiptWithItems includes the matched line items
type ReceiptWithItems struct {
	Receipt
	Items []LineItem `json:"items"`
}

// LineItem is one parsed and matched receipt line
type LineItem struct {
	ID              int64           `json:"id"`
	ReceiptID       int64           `json:"receipt_id"`
	LineNumber      int             `json:"line_number"`
	ProductName     string          `json:"product_name"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	LineTotal       decimal.Decimal `json:"line_total"`
	ProductID       *int64          `json:"product_id,omitempty"`
	MatchConfidence *float64        `json:"match_confidence,omitempty"`
	MatchType       *MatchType      `json:"match_type,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CreateReceiptRequest is used when an upload has been stored
type CreateReceiptRequest struct {
	S3Bucket         string
	S3Key            string
	OriginalFilename string
	ContentType      string
	FileSizeBytes    int64
	UploadedBy       *string
	Currency         string
}

// CreateLineItemRequest is produced by the matching stage
type CreateLineItemRequest struct {
	LineNumber      int
	ProductName     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	LineTotal       decimal.Decimal
	ProductID       int64
	MatchConfidence float64
	MatchType       MatchType
	// Alias is counted in the same write as the line item
	Alias *AliasObservation
}

// ReceiptListParams contains parameters for listing receipts
type ReceiptListParams struct {
	Limit  int
	Offset int
	Status *ReceiptStatus
}

// ReceiptStatusView answers a status query
type ReceiptStatusView struct {
	ReceiptID          int64          `json:"receipt_id"`
	Status             ReceiptStatus  `json:"status"`
	ProcessingStep     ProcessingStep `json:"processing_step"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	ProgressPercentage int            `json:"progress_percentage"`
}

// StatusView projects a receipt onto the status query contract.
func (r *Receipt) StatusView() *ReceiptStatusView {
	return &ReceiptStatusView{
		ReceiptID:          r.ID,
		Status:             r.Status,
		ProcessingStep:     r.ProcessingStep,
		ErrorMessage:       r.ErrorMessage,
		ProgressPercentage: r.ProcessingStep.Progress(),
	}
}

// IsFinished reports whether the pipeline has nothing left to do.
func (r *Receipt) IsFinished() bool {
	return r.ProcessingStep == StepDone || r.ProcessingStep == StepReviewPending
}

// OCRCheckpoint is written when OCR completes
type OCRCheckpoint struct {
	Text       string
	Backend    string
	Confidence float64
	Degraded   bool
}
