package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeSkipped   = "skipped"
	OutcomeRetry     = "retry"
	OutcomeCancelled = "cancelled"
)

const (
	ErrorReasonDeadlineExceeded     = "deadline_exceeded"
	ErrorReasonDBLockTimeout        = "db_lock_timeout"
	ErrorReasonSerializationFailure = "serialization_failure"
	ErrorReasonDeadlock             = "deadlock"
	ErrorReasonUniqueViolation      = "unique_violation"
	ErrorReasonUnknown              = "unknown"
)

// PipelineMetrics captures receipt pipeline health. A nil *PipelineMetrics
// is valid and records nothing.
type PipelineMetrics struct {
	stageDuration   *prometheus.HistogramVec
	ocrAttempts     *prometheus.CounterVec
	ocrConfidence   prometheus.Histogram
	parseResults    *prometheus.CounterVec
	matchTiers      *prometheus.CounterVec
	inventoryWrites *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	slowRuns        prometheus.Counter
	dbErrors        *prometheus.CounterVec
}

func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &PipelineMetrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_pipeline_stage_duration_seconds",
			Help:    "Duration of each receipt pipeline stage.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		ocrAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_ocr_backend_attempts_total",
			Help: "OCR backend invocations by backend and outcome.",
		}, []string{"backend", "outcome"}),
		ocrConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receipt_ocr_selected_confidence",
			Help:    "Confidence of the transcription chosen by the OCR orchestrator.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		parseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_parse_results_total",
			Help: "Structured parsing attempts by path (model or fallback) and outcome.",
		}, []string{"source", "outcome"}),
		matchTiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_product_matches_total",
			Help: "Resolved line items by matcher tier.",
		}, []string{"tier"}),
		inventoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_inventory_writes_total",
			Help: "Inventory line applications by outcome.",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_pipeline_job_runs_total",
			Help: "Pipeline job executions by outcome.",
		}, []string{"outcome"}),
		slowRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receipt_pipeline_slow_runs_total",
			Help: "Pipeline runs that exceeded the slow-processing threshold.",
		}),
		dbErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_pipeline_db_errors_total",
			Help: "Database errors seen by the pipeline, by reason.",
		}, []string{"reason"}),
	}

	registerer.MustRegister(
		m.stageDuration,
		m.ocrAttempts,
		m.ocrConfidence,
		m.parseResults,
		m.matchTiers,
		m.inventoryWrites,
		m.jobRuns,
		m.slowRuns,
		m.dbErrors,
	)
	return m
}

func (m *PipelineMetrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *PipelineMetrics) ObserveOCRAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.ocrAttempts.WithLabelValues(backend, outcome).Inc()
}

func (m *PipelineMetrics) ObserveOCRConfidence(confidence float64) {
	if m == nil {
		return
	}
	m.ocrConfidence.Observe(confidence)
}

func (m *PipelineMetrics) ObserveParse(source, outcome string) {
	if m == nil {
		return
	}
	m.parseResults.WithLabelValues(source, outcome).Inc()
}

func (m *PipelineMetrics) ObserveMatch(tier string) {
	if m == nil {
		return
	}
	m.matchTiers.WithLabelValues(tier).Inc()
}

func (m *PipelineMetrics) ObserveInventoryWrite(outcome string) {
	if m == nil {
		return
	}
	m.inventoryWrites.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveJob(outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveSlowRun() {
	if m == nil {
		return
	}
	m.slowRuns.Inc()
}

// ObserveDBError counts err under its classified reason when it is a database error.
func (m *PipelineMetrics) ObserveDBError(err error) {
	if m == nil || err == nil {
		return
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m.dbErrors.WithLabelValues(ClassifyDBError(err)).Inc()
}

// ClassifyDBError maps an error to a low-cardinality reason label.
func ClassifyDBError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorReasonDeadlineExceeded
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return ErrorReasonDBLockTimeout
		case "40001":
			return ErrorReasonSerializationFailure
		case "40P01":
			return ErrorReasonDeadlock
		case "23505":
			return ErrorReasonUniqueViolation
		}
	}
	return ErrorReasonUnknown
}
