package models

// ProcessingStep is the fine-grained pipeline position of a receipt.
type ProcessingStep string

const (
	StepUploaded            ProcessingStep = "uploaded"
	StepOCRInProgress       ProcessingStep = "ocr_in_progress"
	StepOCRCompleted        ProcessingStep = "ocr_completed"
	StepParsingInProgress   ProcessingStep = "parsing_in_progress"
	StepParsingCompleted    ProcessingStep = "parsing_completed"
	StepMatchingInProgress  ProcessingStep = "matching_in_progress"
	StepMatchingCompleted   ProcessingStep = "matching_completed"
	StepFinalizingInventory ProcessingStep = "finalizing_inventory"
	StepReviewPending       ProcessingStep = "review_pending"
	StepDone                ProcessingStep = "done"
	StepFailed              ProcessingStep = "failed"
)

// stepSequence is the linear order of the state machine. Failed sits
// outside it and is reachable from any non-terminal step.
var stepSequence = []ProcessingStep{
	StepUploaded,
	StepOCRInProgress,
	StepOCRCompleted,
	StepParsingInProgress,
	StepParsingCompleted,
	StepMatchingInProgress,
	StepMatchingCompleted,
	StepFinalizingInventory,
	StepReviewPending,
	StepDone,
}

var stepProgress = map[ProcessingStep]int{
	StepUploaded:            10,
	StepOCRInProgress:       25,
	StepOCRCompleted:        40,
	StepParsingInProgress:   55,
	StepParsingCompleted:    70,
	StepMatchingInProgress:  80,
	StepMatchingCompleted:   90,
	StepFinalizingInventory: 95,
	StepReviewPending:       98,
	StepDone:                100,
	StepFailed:              0,
}

// Steps returns the linear sequence, terminal failure excluded.
func Steps() []ProcessingStep {
	out := make([]ProcessingStep, len(stepSequence))
	copy(out, stepSequence)
	return out
}

// Ordinal is the position in the linear sequence, -1 for failed or unknown.
func (s ProcessingStep) Ordinal() int {
	for i, step := range stepSequence {
		if step == s {
			return i
		}
	}
	return -1
}

func (s ProcessingStep) Valid() bool {
	return s == StepFailed || s.Ordinal() >= 0
}

func (s ProcessingStep) IsTerminal() bool {
	return s == StepDone || s == StepFailed
}

// Progress maps a step to a percentage; the mapping is monotonic along the sequence.
func (s ProcessingStep) Progress() int {
	return stepProgress[s]
}

// CanAdvanceTo reports whether moving from s to next keeps the sequence
// monotonic. Failed is allowed from any non-terminal step.
func (s ProcessingStep) CanAdvanceTo(next ProcessingStep) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StepFailed {
		return true
	}
	from, to := s.Ordinal(), next.Ordinal()
	return from >= 0 && to >= from
}
