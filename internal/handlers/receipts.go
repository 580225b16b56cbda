package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codemarcinu/new-egents/internal/config"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/middleware"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// ReceiptRepository is the receipt persistence the HTTP layer uses
type ReceiptRepository interface {
	CreateReceipt(ctx context.Context, req *models.CreateReceiptRequest) (*models.Receipt, error)
	GetReceiptWithItems(ctx context.Context, id int64) (*models.ReceiptWithItems, error)
	ListReceipts(ctx context.Context, params *models.ReceiptListParams) ([]models.Receipt, int, error)
	DeleteReceipt(ctx context.Context, id int64) (string, error)
}

// ImageStorage keeps uploaded receipt images
type ImageStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*services.StoredImage, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// PipelineService submits, inspects and cancels pipeline runs
type PipelineService interface {
	Submit(ctx context.Context, receiptID int64) (string, error)
	Status(ctx context.Context, receiptID int64) (*models.ReceiptStatusView, error)
	Cancel(ctx context.Context, receiptID int64) error
}

// ProgressSubscriber streams one receipt's progress events until ctx ends
type ProgressSubscriber interface {
	Subscribe(ctx context.Context, receiptID int64, onEvent func(models.ProgressEvent)) error
}

const (
	imageURLExpiry   = time.Hour
	eventStreamLimit = 10 * time.Minute
	eventHeartbeat   = 15 * time.Second
)

// ReceiptHandler handles receipt-related endpoints
type ReceiptHandler struct {
	cfg      *config.Config
	receipts ReceiptRepository
	images   ImageStorage
	jobs     PipelineService
	events   ProgressSubscriber
	log      *logger.Logger
}

// NewReceiptHandler creates a new receipt handler. events may be nil, in
// which case the event stream endpoint reports 501.
func NewReceiptHandler(
	cfg *config.Config,
	receipts ReceiptRepository,
	images ImageStorage,
	jobs PipelineService,
	events ProgressSubscriber,
	log *logger.Logger,
) *ReceiptHandler {
	return &ReceiptHandler{
		cfg:      cfg,
		receipts: receipts,
		images:   images,
		jobs:     jobs,
		events:   events,
		log:      log.With("handler", "receipts"),
	}
}

// ReceiptDetail is a receipt with its items, image link and progress
type ReceiptDetail struct {
	models.ReceiptWithItems
	ImageURL           *string `json:"image_url,omitempty"`
	ProgressPercentage int     `json:"progress_percentage"`
}

// UploadResponse acknowledges an accepted upload
type UploadResponse struct {
	Receipt *models.Receipt `json:"receipt"`
	JobID   string          `json:"job_id,omitempty"`
	Queued  bool            `json:"queued"`
}

// UploadReceipt validates and stores an image, creates the receipt and
// queues its pipeline run.
func (h *ReceiptHandler) UploadReceipt(c *fiber.Ctx) error {
	file, err := c.FormFile("image")
	if err != nil {
		return Error(c, fiber.StatusBadRequest, "image file is required")
	}
	if file.Size > h.cfg.UploadMaxBytes {
		return Error(c, fiber.StatusBadRequest, fmt.Sprintf("file too large. Maximum size is %d bytes", h.cfg.UploadMaxBytes))
	}

	src, err := file.Open()
	if err != nil {
		return Error(c, fiber.StatusInternalServerError, "failed to read file")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.cfg.UploadMaxBytes+1))
	if err != nil {
		return Error(c, fiber.StatusInternalServerError, "failed to read file")
	}
	if int64(len(data)) > h.cfg.UploadMaxBytes {
		return Error(c, fiber.StatusBadRequest, fmt.Sprintf("file too large. Maximum size is %d bytes", h.cfg.UploadMaxBytes))
	}
	if len(data) == 0 {
		return Error(c, fiber.StatusBadRequest, "image file is empty")
	}

	contentType, ok := h.acceptedType(file.Header.Get("Content-Type"), data)
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid image type. Supported: "+strings.Join(h.cfg.UploadAllowedTypes, ", "))
	}

	currency := strings.ToUpper(strings.TrimSpace(c.FormValue("currency")))
	if currency == "" {
		currency = h.cfg.DefaultCurrency
	}
	if len(currency) != 3 {
		return Error(c, fiber.StatusBadRequest, "currency must be a 3-letter code")
	}

	ctx := c.UserContext()
	key := services.ReceiptImageKey(time.Now(), file.Filename)
	stored, err := h.images.Put(ctx, key, data, contentType)
	if err != nil {
		h.log.Error("Failed to store receipt image", "key", key, "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to upload image")
	}

	var uploadedBy *string
	if subject := middleware.GetSubject(c); subject != "" {
		uploadedBy = &subject
	}
	receipt, err := h.receipts.CreateReceipt(ctx, &models.CreateReceiptRequest{
		S3Bucket:         stored.Bucket,
		S3Key:            stored.Key,
		OriginalFilename: file.Filename,
		ContentType:      contentType,
		FileSizeBytes:    int64(len(data)),
		UploadedBy:       uploadedBy,
		Currency:         currency,
	})
	if err != nil {
		// Clean up S3 on failure
		if deleteErr := h.images.Delete(ctx, stored.Key); deleteErr != nil {
			h.log.Warn("Failed to clean up image after receipt creation failure", "key", stored.Key, "error", deleteErr)
		}
		h.log.Error("Failed to create receipt record", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to create receipt record")
	}

	resp := UploadResponse{Receipt: receipt}
	jobID, err := h.jobs.Submit(ctx, receipt.ID)
	if err != nil {
		// the receipt is kept; POST /receipts/:id/process queues it later
		h.log.Error("Failed to queue uploaded receipt", "receipt_id", receipt.ID, "error", err)
		return c.Status(fiber.StatusCreated).JSON(APIResponse{Success: true, Data: resp})
	}
	resp.JobID, resp.Queued = jobID, true

	h.log.Info("Receipt uploaded", "receipt_id", receipt.ID, "job_id", jobID, "size", len(data), "content_type", contentType)
	return Accepted(c, resp)
}

// acceptedType trusts the sniffed type over the declared one. Formats the
// sniffer does not know (tiff) fall back to the declared type.
func (h *ReceiptHandler) acceptedType(declared string, data []byte) (string, bool) {
	sniffed := http.DetectContentType(data)
	if i := strings.Index(sniffed, ";"); i >= 0 {
		sniffed = sniffed[:i]
	}
	if h.allowed(sniffed) {
		return sniffed, true
	}
	if sniffed == "application/octet-stream" && h.allowed(declared) {
		return strings.ToLower(declared), true
	}
	return "", false
}

func (h *ReceiptHandler) allowed(contentType string) bool {
	for _, t := range h.cfg.UploadAllowedTypes {
		if strings.EqualFold(contentType, t) {
			return true
		}
	}
	return false
}

// ListReceipts returns a paginated list of receipts
func (h *ReceiptHandler) ListReceipts(c *fiber.Ctx) error {
	limit, offset := pagination(c, 20)
	params := &models.ReceiptListParams{Limit: limit, Offset: offset}
	if status := c.Query("status"); status != "" {
		s := models.ReceiptStatus(status)
		params.Status = &s
	}

	receipts, total, err := h.receipts.ListReceipts(c.UserContext(), params)
	if err != nil {
		h.log.Error("Failed to list receipts", "error", err)
		return Error(c, fiber.StatusInternalServerError, "failed to list receipts")
	}
	return SuccessWithMeta(c, receipts, total, limit, offset)
}

// GetReceipt returns a single receipt with items
func (h *ReceiptHandler) GetReceipt(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}

	ctx := c.UserContext()
	receipt, err := h.receipts.GetReceiptWithItems(ctx, id)
	if err != nil {
		return FromError(c, err, "failed to get receipt")
	}

	detail := ReceiptDetail{
		ReceiptWithItems:   *receipt,
		ProgressPercentage: receipt.ProcessingStep.Progress(),
	}
	if url, err := h.images.PresignedURL(ctx, receipt.S3Key, imageURLExpiry); err == nil {
		detail.ImageURL = &url
	} else {
		h.log.Warn("Failed to presign receipt image", "receipt_id", id, "error", err)
	}
	return Success(c, detail)
}

// GetStatus answers the status query
func (h *ReceiptHandler) GetStatus(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}
	view, err := h.jobs.Status(c.UserContext(), id)
	if err != nil {
		return FromError(c, err, "failed to get receipt status")
	}
	return Success(c, view)
}

// ProcessReceipt queues a run for an existing receipt, e.g. after a
// failure was fixed or a run was cancelled.
func (h *ReceiptHandler) ProcessReceipt(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}
	jobID, err := h.jobs.Submit(c.UserContext(), id)
	if err != nil {
		return FromError(c, err, "failed to queue receipt")
	}
	return Accepted(c, fiber.Map{"receipt_id": id, "job_id": jobID})
}

// CancelReceipt stops a queued or running pipeline run
func (h *ReceiptHandler) CancelReceipt(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}
	if err := h.jobs.Cancel(c.UserContext(), id); err != nil {
		return FromError(c, err, "failed to cancel receipt")
	}
	return Accepted(c, fiber.Map{"receipt_id": id, "cancel_requested": true})
}

// DeleteReceipt deletes a receipt and its image. A running pipeline
// notices the deletion at its next stage boundary.
func (h *ReceiptHandler) DeleteReceipt(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}

	ctx := c.UserContext()
	key, err := h.receipts.DeleteReceipt(ctx, id)
	if err != nil {
		return FromError(c, err, "failed to delete receipt")
	}

	// Delete from S3 (log error, the row is already gone)
	if err := h.images.Delete(ctx, key); err != nil {
		h.log.Warn("Failed to delete receipt image", "receipt_id", id, "key", key, "error", err)
	}
	return Success(c, fiber.Map{"deleted": true})
}

// StreamEvents relays progress events as server-sent events until the
// receipt stops moving, the client goes away or the stream limit passes.
func (h *ReceiptHandler) StreamEvents(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return Error(c, fiber.StatusBadRequest, "invalid receipt ID")
	}
	if h.events == nil {
		return Error(c, fiber.StatusNotImplemented, "progress events are not configured")
	}
	view, err := h.jobs.Status(c.UserContext(), id)
	if err != nil {
		return FromError(c, err, "failed to get receipt status")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// the fiber context is recycled once the handler returns
	ctx, cancel := context.WithTimeout(context.Background(), eventStreamLimit)
	events := make(chan models.ProgressEvent, 16)
	go func() {
		err := h.events.Subscribe(ctx, id, func(ev models.ProgressEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			h.log.Warn("Progress subscription ended", "receipt_id", id, "error", err)
			cancel()
		}
	}()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		initial := models.ProgressEvent{
			ReceiptID:          view.ReceiptID,
			Status:             view.Status,
			ProcessingStep:     view.ProcessingStep,
			ProgressPercentage: view.ProgressPercentage,
			Message:            "current status",
			OccurredAt:         time.Now(),
		}
		if writeEvent(w, initial) != nil || settled(initial) {
			return
		}

		heartbeat := time.NewTicker(eventHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if writeEvent(w, ev) != nil || settled(ev) {
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if w.Flush() != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev models.ProgressEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", raw); err != nil {
		return err
	}
	return w.Flush()
}

// settled reports whether no further events are expected for the run
func settled(ev models.ProgressEvent) bool {
	switch {
	case ev.ProcessingStep == models.StepDone, ev.ProcessingStep == models.StepReviewPending, ev.ProcessingStep == models.StepFailed:
		return true
	case ev.Status == models.ReceiptStatusError:
		return true
	default:
		return false
	}
}
