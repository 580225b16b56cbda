package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind names a class in the pipeline error taxonomy
type ErrorKind string

const (
	KindValidation         ErrorKind = "ValidationError"
	KindBackendUnavailable ErrorKind = "BackendUnavailable"
	KindBackendTimeout     ErrorKind = "BackendTimeout"
	KindOCRExhausted       ErrorKind = "OCRExhausted"
	KindModelError         ErrorKind = "ModelError"
	KindSchemaInvalid      ErrorKind = "SchemaInvalid"
	KindParseFailed        ErrorKind = "ParseFailed"
	KindMatching           ErrorKind = "MatchingError"
	KindInventoryWrite     ErrorKind = "InventoryWriteError"
	KindCancelled          ErrorKind = "Cancelled"
)

// PipelineError tags an error with its taxonomy kind. A PipelineError
// without a wrapped error acts as a sentinel for errors.Is.
type PipelineError struct {
	Kind ErrorKind
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches any PipelineError of the same kind.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation         = &PipelineError{Kind: KindValidation}
	ErrBackendUnavailable = &PipelineError{Kind: KindBackendUnavailable}
	ErrBackendTimeout     = &PipelineError{Kind: KindBackendTimeout}
	ErrOCRExhausted       = &PipelineError{Kind: KindOCRExhausted}
	ErrModelError         = &PipelineError{Kind: KindModelError}
	ErrSchemaInvalid      = &PipelineError{Kind: KindSchemaInvalid}
	ErrParseFailed        = &PipelineError{Kind: KindParseFailed}
	ErrMatching           = &PipelineError{Kind: KindMatching}
	ErrInventoryWrite     = &PipelineError{Kind: KindInventoryWrite}
	ErrCancelled          = &PipelineError{Kind: KindCancelled}
)

// NewError wraps err (or a formatted message) under kind.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return &PipelineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// InventoryWriteError lists the products whose stock could not be updated.
type InventoryWriteError struct {
	ProductIDs []int64
	Err        error
}

func (e *InventoryWriteError) Error() string {
	ids := make([]string, 0, len(e.ProductIDs))
	for _, id := range e.ProductIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	msg := fmt.Sprintf("%s: products [%s] not updated", KindInventoryWrite, strings.Join(ids, ","))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InventoryWriteError) Unwrap() error { return e.Err }

func (e *InventoryWriteError) Is(target error) bool {
	return target == ErrInventoryWrite
}

type temporaryError struct{ err error }

func (e temporaryError) Error() string { return e.err.Error() }
func (e temporaryError) Unwrap() error { return e.err }

// Temporary marks err as worth another job attempt.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is untagged.
func KindOf(err error) ErrorKind {
	var iw *InventoryWriteError
	if errors.As(err, &iw) {
		return KindInventoryWrite
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsRetryable reports whether a job-level retry may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var tmp temporaryError
	if errors.As(err, &tmp) {
		return true
	}
	switch KindOf(err) {
	case KindInventoryWrite:
		return true
	case "":
		return isTransientDBError(err)
	default:
		return false
	}
}

func isTransientDBError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "08000", "08003", "08006":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
