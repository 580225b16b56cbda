package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/models"
	"github.com/codemarcinu/new-egents/internal/services"
)

// CoordinatorOptions tunes review decisions and run bookkeeping
type CoordinatorOptions struct {
	OCRConfidenceThreshold float64
	ReviewTotalTolerance   float64
	LeaseTTL               time.Duration
	SlowRunThreshold       time.Duration
}

// Coordinator drives one receipt through OCR, parsing, matching and
// inventory. Every step is persisted before the next stage starts, so a
// run resumes from the last committed step.
type Coordinator struct {
	receipts ReceiptStore
	stages   Stages
	lease    services.ReceiptLease
	notifier services.ProgressNotifier
	opts     CoordinatorOptions
	log      *logger.Logger
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

func NewCoordinator(receipts ReceiptStore, stages Stages, lease services.ReceiptLease, notifier services.ProgressNotifier, opts CoordinatorOptions, log *logger.Logger, m *metrics.PipelineMetrics) *Coordinator {
	if opts.OCRConfidenceThreshold <= 0 {
		opts.OCRConfidenceThreshold = 0.7
	}
	if opts.ReviewTotalTolerance <= 0 {
		opts.ReviewTotalTolerance = 0.05
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.SlowRunThreshold <= 0 {
		opts.SlowRunThreshold = 2 * time.Minute
	}
	if lease == nil {
		lease = services.NewMemoryLease()
	}
	if notifier == nil {
		notifier = services.NewLogNotifier(log)
	}
	return &Coordinator{
		receipts: receipts,
		stages:   stages,
		lease:    lease,
		notifier: notifier,
		opts:     opts,
		log:      log.With("component", "PipelineCoordinator"),
		metrics:  m,
		now:      time.Now,
	}
}

// run carries the receipt through one Run
type run struct {
	receipt *models.Receipt
	items   []models.LineItem
	log     *logger.Logger
}

// Run processes a receipt under its exclusive lease. It returns
// ErrAlreadyRunning when another run holds the receipt, services.ErrCancelled
// when a cancellation was observed, and a *StageError when a stage failed.
func (c *Coordinator) Run(ctx context.Context, receiptID int64) error {
	token, ok, err := c.lease.Acquire(ctx, receiptID, c.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire receipt lease: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := c.lease.Release(context.WithoutCancel(ctx), receiptID, token); err != nil {
			c.log.Warn("Failed to release receipt lease", "receipt_id", receiptID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(runCtx, cancel, receiptID, token)

	return c.execute(runCtx, receiptID)
}

// heartbeat keeps the lease alive and stops the run if it is lost.
func (c *Coordinator) heartbeat(ctx context.Context, cancel context.CancelFunc, receiptID int64, token string) {
	ticker := time.NewTicker(c.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := c.lease.Refresh(ctx, receiptID, token, c.opts.LeaseTTL)
			if err != nil {
				c.log.Warn("Receipt lease refresh failed", "receipt_id", receiptID, "error", err)
				continue
			}
			if !ok {
				c.log.Error("Receipt lease lost, stopping run", "receipt_id", receiptID)
				cancel()
				return
			}
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, receiptID int64) error {
	started := c.now()

	r, err := c.receipts.GetReceipt(ctx, receiptID)
	if errors.Is(err, database.ErrReceiptNotFound) {
		return ErrReceiptGone
	}
	if err != nil {
		return fmt.Errorf("load receipt: %w", err)
	}
	rn := &run{receipt: r, log: c.log.With("receipt_id", receiptID)}

	if r.IsFinished() || r.ProcessingStep == models.StepFailed {
		rn.log.Debug("Nothing to do", "step", r.ProcessingStep)
		return nil
	}
	if r.CancelRequested {
		return c.cancelled(ctx, rn)
	}

	rn.log.Info("Starting receipt processing", "step", r.ProcessingStep)
	if err := c.transition(ctx, rn, models.ReceiptStatusProcessing, r.ProcessingStep, nil, "processing started"); err != nil {
		return err
	}

	err = c.advance(ctx, rn)

	elapsed := c.now().Sub(started)
	if elapsed > c.opts.SlowRunThreshold {
		c.metrics.ObserveSlowRun()
		rn.log.Warn("Slow receipt processing", "duration", elapsed.String(), "step", rn.receipt.ProcessingStep)
	}
	if err == nil {
		rn.log.Info("Receipt processing finished", "step", rn.receipt.ProcessingStep, "duration", elapsed.String())
	}
	return err
}

// advance runs stages from the receipt's current step until it reaches
// review_pending or done.
func (c *Coordinator) advance(ctx context.Context, rn *run) error {
	for {
		step := rn.receipt.ProcessingStep
		if step == models.StepDone || step == models.StepReviewPending {
			return nil
		}
		if err := c.checkBoundary(ctx, rn); err != nil {
			return c.stop(ctx, rn, err)
		}

		var (
			name  string
			stage func(context.Context, *run) error
		)
		switch step {
		case models.StepUploaded, models.StepOCRInProgress:
			name, stage = "ocr", c.ocrStage
		case models.StepOCRCompleted, models.StepParsingInProgress:
			name, stage = "parsing", c.parseStage
		case models.StepParsingCompleted, models.StepMatchingInProgress:
			name, stage = "matching", c.matchStage
		case models.StepMatchingCompleted, models.StepFinalizingInventory:
			name, stage = "inventory", c.inventoryStage
		default:
			return fmt.Errorf("receipt %d at unexpected step %q", rn.receipt.ID, step)
		}

		stageStart := c.now()
		err := stage(ctx, rn)
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
		}
		c.metrics.ObserveStage(name, outcome, c.now().Sub(stageStart))
		if err != nil {
			return c.fail(ctx, rn, err)
		}
	}
}

// checkBoundary observes cancellation and deletion between stages.
func (c *Coordinator) checkBoundary(ctx context.Context, rn *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := c.receipts.GetReceipt(ctx, rn.receipt.ID)
	if errors.Is(err, database.ErrReceiptNotFound) {
		return ErrReceiptGone
	}
	if err != nil {
		return err
	}
	if current.CancelRequested {
		return services.ErrCancelled
	}
	return nil
}

func (c *Coordinator) stop(ctx context.Context, rn *run, err error) error {
	switch {
	case errors.Is(err, services.ErrCancelled):
		return c.cancelled(ctx, rn)
	case errors.Is(err, ErrReceiptGone):
		rn.log.Info("Receipt deleted, stopping run", "step", rn.receipt.ProcessingStep)
		return ErrReceiptGone
	default:
		return err
	}
}

// cancelled parks the receipt back at pending with its step kept, so a
// later submission resumes it.
func (c *Coordinator) cancelled(ctx context.Context, rn *run) error {
	rn.log.Info("Run cancelled", "step", rn.receipt.ProcessingStep)
	if err := c.transition(context.WithoutCancel(ctx), rn, models.ReceiptStatusPending, rn.receipt.ProcessingStep, nil, "cancelled"); err != nil {
		rn.log.Error("Failed to record cancellation", "error", err)
	}
	return services.ErrCancelled
}

// fail records a stage failure on the receipt unless another attempt may
// still succeed; retry bookkeeping belongs to the caller.
func (c *Coordinator) fail(ctx context.Context, rn *run, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, database.ErrReceiptNotFound) {
		err = ErrReceiptGone
	}
	if errors.Is(err, services.ErrCancelled) || errors.Is(err, ErrReceiptGone) {
		return c.stop(ctx, rn, err)
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Step: rn.receipt.ProcessingStep, Err: err}
	}
	if services.IsRetryable(se.Err) {
		rn.log.Warn("Stage failed, retryable", "step", se.Step, "error", se.Err)
		return se
	}

	msg := se.Error()
	rn.log.Error("Stage failed", "step", se.Step, "kind", services.KindOf(se.Err), "error", se.Err)
	if err := c.transition(ctx, rn, models.ReceiptStatusError, se.Step, &msg, msg); err != nil {
		rn.log.Error("Failed to record stage failure", "error", err)
		return se
	}
	se.Recorded = true
	return se
}

func (c *Coordinator) ocrStage(ctx context.Context, rn *run) error {
	r := rn.receipt
	if err := c.transition(ctx, rn, models.ReceiptStatusProcessing, models.StepOCRInProgress, nil, "extracting text"); err != nil {
		return err
	}

	img, err := c.stages.Images.Fetch(ctx, r.S3Key)
	if err != nil {
		if errors.Is(err, services.ErrImageNotFound) {
			return &StageError{Step: models.StepFailed, Err: services.NewError(services.KindValidation, "receipt image %s is missing", r.S3Key)}
		}
		return &StageError{Step: models.StepOCRInProgress, Err: fmt.Errorf("fetch image: %w", err)}
	}

	prep := c.stages.Preprocessor.Process(ctx, img, r.ContentType)
	if prep.Degraded {
		rn.log.Warn("Preprocessing degraded, using original image", "error", prep.Err)
	}

	res, err := c.stages.OCR.Extract(ctx, prep.Image)
	if err != nil {
		return &StageError{Step: models.StepOCRInProgress, Err: err}
	}

	cp := models.OCRCheckpoint{
		Text:       res.Text,
		Backend:    res.Backend,
		Confidence: res.Confidence,
		Degraded:   prep.Degraded,
	}
	if err := c.receipts.SaveOCRResult(ctx, r.ID, cp); err != nil {
		return &StageError{Step: models.StepOCRInProgress, Err: fmt.Errorf("save ocr result: %w", err)}
	}
	text, backend, confidence := res.Text, res.Backend, res.Confidence
	r.RawOCRText, r.OCRBackend, r.OCRConfidence = &text, &backend, &confidence
	r.ImageDegraded = prep.Degraded

	c.checkpointed(ctx, rn, models.StepOCRCompleted, fmt.Sprintf("text extracted by %s (confidence %.2f)", backend, confidence))
	return nil
}

func (c *Coordinator) parseStage(ctx context.Context, rn *run) error {
	r := rn.receipt
	if err := c.transition(ctx, rn, models.ReceiptStatusProcessing, models.StepParsingInProgress, nil, "parsing receipt"); err != nil {
		return err
	}

	text := ""
	if r.RawOCRText != nil {
		text = *r.RawOCRText
	}
	parsed, err := c.stages.Parser.Parse(ctx, text)
	if err != nil {
		return &StageError{Step: models.StepParsingInProgress, Err: err}
	}
	if err := c.receipts.SaveParsedReceipt(ctx, r.ID, parsed); err != nil {
		return &StageError{Step: models.StepParsingInProgress, Err: fmt.Errorf("save parsed receipt: %w", err)}
	}
	r.ExtractedData = parsed
	r.StoreName = parsed.StoreName
	r.PurchasedAt = parsed.PurchaseDate
	r.TotalAmount = parsed.Total
	if parsed.Currency != "" {
		r.Currency = parsed.Currency
	}

	c.checkpointed(ctx, rn, models.StepParsingCompleted, fmt.Sprintf("%d line items parsed (%s)", len(parsed.Items), parsed.Source))
	return nil
}

func (c *Coordinator) matchStage(ctx context.Context, rn *run) error {
	r := rn.receipt
	if err := c.transition(ctx, rn, models.ReceiptStatusProcessing, models.StepMatchingInProgress, nil, "matching products"); err != nil {
		return err
	}

	parsed := r.ExtractedData
	if parsed == nil || len(parsed.Items) == 0 {
		return &StageError{Step: models.StepMatchingInProgress, Err: services.NewError(services.KindParseFailed, "no parsed line items to match")}
	}

	reqs := make([]models.CreateLineItemRequest, 0, len(parsed.Items))
	for i, item := range parsed.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.stages.Matcher.Match(ctx, item.Name)
		if err != nil {
			return &StageError{Step: models.StepMatchingInProgress, Err: fmt.Errorf("line %d %q: %w", i+1, item.Name, err)}
		}
		reqs = append(reqs, models.CreateLineItemRequest{
			LineNumber:      i + 1,
			ProductName:     item.Name,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			LineTotal:       item.LineTotal,
			ProductID:       res.ProductID,
			MatchConfidence: res.Confidence,
			MatchType:       res.MatchType,
			Alias:           res.Observed,
		})
	}

	items, err := c.receipts.ReplaceLineItems(ctx, r.ID, reqs)
	if err != nil {
		return &StageError{Step: models.StepMatchingInProgress, Err: fmt.Errorf("save line items: %w", err)}
	}
	rn.items = items

	c.checkpointed(ctx, rn, models.StepMatchingCompleted, fmt.Sprintf("%d products matched", len(items)))
	return nil
}

func (c *Coordinator) inventoryStage(ctx context.Context, rn *run) error {
	r := rn.receipt
	if err := c.transition(ctx, rn, models.ReceiptStatusProcessing, models.StepFinalizingInventory, nil, "updating inventory"); err != nil {
		return err
	}

	items := rn.items
	if items == nil {
		loaded, err := c.receipts.GetLineItems(ctx, r.ID)
		if err != nil {
			return &StageError{Step: models.StepFinalizingInventory, Err: fmt.Errorf("load line items: %w", err)}
		}
		items = loaded
	}

	res, err := c.stages.Inventory.ApplyReceipt(ctx, r.ID, items)
	if err != nil {
		return &StageError{Step: models.StepFinalizingInventory, Err: err}
	}

	if reason := c.reviewReason(r, items); reason != "" {
		return c.transition(ctx, rn, models.ReceiptStatusReviewPending, models.StepReviewPending, nil, "needs review: "+reason)
	}
	return c.transition(ctx, rn, models.ReceiptStatusCompleted, models.StepDone, nil,
		fmt.Sprintf("inventory updated (%d applied, %d already applied)", res.Applied, res.AlreadyApplied))
}

// reviewReason explains why a processed receipt needs a human look, or
// returns "" when it can complete.
func (c *Coordinator) reviewReason(r *models.Receipt, items []models.LineItem) string {
	for _, item := range items {
		if item.ProductID == nil {
			return "unmatched line items"
		}
	}
	if r.ExtractedData != nil && services.TotalsDisagree(r.ExtractedData, c.opts.ReviewTotalTolerance) {
		return "receipt total does not match line items"
	}
	if r.ImageDegraded && r.OCRConfidence != nil && *r.OCRConfidence < c.opts.OCRConfidenceThreshold {
		return "low confidence text from an unprocessed image"
	}
	return ""
}

// transition validates and persists a status/step change and emits its event.
func (c *Coordinator) transition(ctx context.Context, rn *run, status models.ReceiptStatus, step models.ProcessingStep, errMsg *string, message string) error {
	from := rn.receipt.ProcessingStep
	if from != step && !from.CanAdvanceTo(step) {
		return fmt.Errorf("illegal transition %s -> %s", from, step)
	}
	if err := c.receipts.UpdateReceiptProgress(ctx, rn.receipt.ID, status, step, errMsg); err != nil {
		return fmt.Errorf("persist step %s: %w", step, err)
	}
	rn.receipt.Status = status
	rn.receipt.ProcessingStep = step
	rn.receipt.ErrorMessage = errMsg
	c.publish(ctx, rn, message)
	return nil
}

// checkpointed reflects a step already written by a stage's save call.
func (c *Coordinator) checkpointed(ctx context.Context, rn *run, step models.ProcessingStep, message string) {
	rn.receipt.ProcessingStep = step
	c.publish(ctx, rn, message)
}

func (c *Coordinator) publish(ctx context.Context, rn *run, message string) {
	ev := models.ProgressEvent{
		ReceiptID:          rn.receipt.ID,
		Status:             rn.receipt.Status,
		ProcessingStep:     rn.receipt.ProcessingStep,
		ProgressPercentage: rn.receipt.ProcessingStep.Progress(),
		Message:            message,
		OccurredAt:         c.now(),
	}
	if err := c.notifier.Publish(ctx, ev); err != nil {
		rn.log.Warn("Progress event not delivered", "step", ev.ProcessingStep, "error", err)
	}
}

// RecordRetry parks the receipt at pending until its next attempt.
func (c *Coordinator) RecordRetry(ctx context.Context, receiptID int64, cause error, attempt int, runAt time.Time) error {
	r, err := c.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	rn := &run{receipt: r, log: c.log.With("receipt_id", receiptID)}
	msg := fmt.Sprintf("attempt %d failed, retrying at %s: %v", attempt, runAt.UTC().Format(time.RFC3339), cause)
	return c.transition(ctx, rn, models.ReceiptStatusPending, r.ProcessingStep, &msg, msg)
}

// RecordFailure marks the receipt failed for good, keeping cause as its
// error message.
func (c *Coordinator) RecordFailure(ctx context.Context, receiptID int64, cause error) error {
	r, err := c.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	rn := &run{receipt: r, log: c.log.With("receipt_id", receiptID)}
	msg := cause.Error()
	return c.transition(ctx, rn, models.ReceiptStatusError, models.StepFailed, &msg, msg)
}
