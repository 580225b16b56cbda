package pipeline

import (
	"errors"
	"fmt"

	"github.com/codemarcinu/new-egents/internal/models"
)

var (
	// ErrAlreadyRunning rejects a second run for a receipt with an active one.
	ErrAlreadyRunning = errors.New("a pipeline run is already active for this receipt")
	// ErrReceiptFinished rejects submissions for receipts with nothing left to do.
	ErrReceiptFinished = errors.New("receipt has already been processed")
	// ErrReceiptGone stops a run whose receipt was deleted.
	ErrReceiptGone = errors.New("receipt was deleted")
)

// StageError pins a failure to the step that did not complete. Recorded
// is set once the failure has been written to the receipt.
type StageError struct {
	Step     models.ProcessingStep
	Err      error
	Recorded bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", stageName(e.Step), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageName labels a step with the stage that owns it.
func stageName(step models.ProcessingStep) string {
	switch step {
	case models.StepUploaded, models.StepOCRInProgress, models.StepOCRCompleted:
		return "ocr"
	case models.StepParsingInProgress, models.StepParsingCompleted:
		return "parsing"
	case models.StepMatchingInProgress, models.StepMatchingCompleted:
		return "matching"
	case models.StepFinalizingInventory:
		return "inventory"
	case models.StepFailed:
		return "intake"
	default:
		return "finalize"
	}
}

type panicError struct{ val interface{} }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.val) }
