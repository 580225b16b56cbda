package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
)

// OCRResult contains the OCR processing result
type OCRResult struct {
	Text       string
	Confidence float64
	Backend    string
}

// OCRBackend is one text-extraction capability. Extract reports
// ErrBackendUnavailable or ErrBackendTimeout kinds on failure.
type OCRBackend interface {
	Name() string
	Available() bool
	Extract(ctx context.Context, image []byte) (OCRResult, error)
}

// OCROptions tunes the orchestrator
type OCROptions struct {
	ConfidenceThreshold float64
	MaxBackends         int
	BackendTimeout      time.Duration
}

// OCROrchestrator runs ranked backends and keeps the best transcription.
type OCROrchestrator struct {
	backends []OCRBackend
	opts     OCROptions
	log      *logger.Logger
	metrics  *metrics.PipelineMetrics
}

// NewOCROrchestrator takes backends in priority order, best expected accuracy first.
func NewOCROrchestrator(backends []OCRBackend, opts OCROptions, log *logger.Logger, m *metrics.PipelineMetrics) *OCROrchestrator {
	if opts.ConfidenceThreshold <= 0 || opts.ConfidenceThreshold > 1 {
		opts.ConfidenceThreshold = 0.7
	}
	if opts.MaxBackends < 1 {
		opts.MaxBackends = 2
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 25 * time.Second
	}
	return &OCROrchestrator{
		backends: backends,
		opts:     opts,
		log:      log.With("component", "OCROrchestrator"),
		metrics:  m,
	}
}

// Extract tries available backends in order until one meets the confidence
// threshold or MaxBackends have been attempted, returning the highest
// confidence result seen. Ties keep the earlier backend. It returns within
// MaxBackends * BackendTimeout plus overhead even if a backend ignores ctx.
func (o *OCROrchestrator) Extract(ctx context.Context, image []byte) (*OCRResult, error) {
	var (
		best      *OCRResult
		attempted int
		failures  []string
	)

	for _, backend := range o.backends {
		if attempted >= o.opts.MaxBackends {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !backend.Available() {
			o.metrics.ObserveOCRAttempt(backend.Name(), metrics.OutcomeSkipped)
			o.log.Debug("Skipping unavailable OCR backend", "backend", backend.Name())
			continue
		}
		attempted++

		started := time.Now()
		res, err := o.invoke(ctx, backend, image)
		if err != nil {
			outcome := metrics.OutcomeError
			if errors.Is(err, ErrBackendTimeout) {
				outcome = metrics.OutcomeTimeout
			}
			o.metrics.ObserveOCRAttempt(backend.Name(), outcome)
			o.log.Warn("OCR backend failed", "backend", backend.Name(), "error", err, "elapsed", time.Since(started))
			failures = append(failures, fmt.Sprintf("%s: %v", backend.Name(), err))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		o.metrics.ObserveOCRAttempt(backend.Name(), metrics.OutcomeSuccess)
		o.log.Debug("OCR backend finished", "backend", backend.Name(), "confidence", res.Confidence, "elapsed", time.Since(started))

		if best == nil || res.Confidence > best.Confidence {
			r := res
			best = &r
		}
		if best.Confidence >= o.opts.ConfidenceThreshold {
			break
		}
	}

	if best == nil {
		if attempted == 0 {
			return nil, NewError(KindOCRExhausted, "no OCR backend available")
		}
		return nil, NewError(KindOCRExhausted, "%d backend(s) attempted: %s", attempted, strings.Join(failures, "; "))
	}
	o.metrics.ObserveOCRConfidence(best.Confidence)
	return best, nil
}

// invoke bounds a single backend call. The call runs in its own goroutine
// so a backend blocked in cgo cannot hold the pipeline past the timeout.
func (o *OCROrchestrator) invoke(ctx context.Context, backend OCRBackend, image []byte) (OCRResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.BackendTimeout)
	defer cancel()

	type outcome struct {
		res OCRResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewError(KindBackendUnavailable, "backend panicked: %v", r)}
			}
		}()
		res, err := backend.Extract(callCtx, image)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && !errors.Is(out.err, ErrBackendTimeout) {
				return OCRResult{}, &PipelineError{Kind: KindBackendTimeout, Err: out.err}
			}
			return OCRResult{}, out.err
		}
		out.res.Text = strings.TrimSpace(out.res.Text)
		if out.res.Text == "" {
			return OCRResult{}, NewError(KindBackendUnavailable, "empty transcription")
		}
		out.res.Confidence = clampConfidence(out.res.Confidence)
		if out.res.Backend == "" {
			out.res.Backend = backend.Name()
		}
		return out.res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return OCRResult{}, ctx.Err()
		}
		return OCRResult{}, NewError(KindBackendTimeout, "no result after %s", o.opts.BackendTimeout)
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
