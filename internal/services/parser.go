package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/models"
)

// StructuredParser turns OCR text into a typed receipt. The model path is
// tried first; the pattern parser covers for a missing or failing model.
type StructuredParser struct {
	model    ReceiptModel
	fallback *ReceiptParser
	timeout  time.Duration
	log      *logger.Logger
	metrics  *metrics.PipelineMetrics
}

// NewStructuredParser accepts a nil model, in which case only the pattern
// parser runs.
func NewStructuredParser(model ReceiptModel, fallback *ReceiptParser, timeout time.Duration, log *logger.Logger, m *metrics.PipelineMetrics) *StructuredParser {
	if fallback == nil {
		fallback = NewReceiptParser("")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &StructuredParser{
		model:    model,
		fallback: fallback,
		timeout:  timeout,
		log:      log.With("component", "StructuredParser"),
		metrics:  m,
	}
}

// Parse fails with ParseFailed only when neither path yields a line item.
func (p *StructuredParser) Parse(ctx context.Context, text string) (*models.ParsedReceipt, error) {
	if strings.TrimSpace(text) == "" {
		return nil, NewError(KindParseFailed, "no text to parse")
	}

	if p.model != nil {
		parsed, err := p.callModel(ctx, text)
		switch {
		case err == nil:
			p.metrics.ObserveParse(string(models.ParseSourceModel), metrics.OutcomeSuccess)
			return parsed, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			p.metrics.ObserveParse(string(models.ParseSourceModel), metrics.OutcomeError)
			p.log.Warn("Model extraction failed, using pattern parser", "error", err, "kind", KindOf(err))
		}
	}

	parsed := sanitizeParsed(p.fallback.Parse(text))
	if len(parsed.Items) == 0 {
		p.metrics.ObserveParse(string(models.ParseSourceFallback), metrics.OutcomeError)
		return nil, NewError(KindParseFailed, "no line items recognised")
	}
	p.metrics.ObserveParse(string(models.ParseSourceFallback), metrics.OutcomeSuccess)
	return parsed, nil
}

func (p *StructuredParser) callModel(ctx context.Context, text string) (*models.ParsedReceipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	parsed, err := p.model.ExtractReceipt(callCtx, text)
	if err != nil {
		if KindOf(err) == "" {
			return nil, &PipelineError{Kind: KindModelError, Err: err}
		}
		return nil, err
	}
	if parsed == nil {
		return nil, NewError(KindSchemaInvalid, "model returned no receipt")
	}
	parsed = sanitizeParsed(parsed)
	if len(parsed.Items) == 0 {
		return nil, NewError(KindSchemaInvalid, "model returned no usable line items")
	}
	return parsed, nil
}

// sanitizeParsed drops unusable lines and fills derived fields.
func sanitizeParsed(in *models.ParsedReceipt) *models.ParsedReceipt {
	out := *in
	out.SchemaVersion = models.ParsedReceiptSchemaVersion
	out.Items = make([]models.ParsedLineItem, 0, len(in.Items))
	for _, item := range in.Items {
		item.Name = strings.TrimSpace(item.Name)
		if item.Name == "" || !item.Quantity.IsPositive() || item.UnitPrice.IsNegative() {
			continue
		}
		if item.LineTotal.IsZero() {
			item.LineTotal = item.Quantity.Mul(item.UnitPrice).Round(2)
		}
		if item.LineTotal.IsNegative() {
			continue
		}
		out.Items = append(out.Items, item)
	}
	if out.Total != nil && !out.Total.IsPositive() {
		out.Total = nil
	}
	if out.Currency == "" {
		out.Currency = "PLN"
	}
	return &out
}

// TotalsDisagree reports whether the printed total differs from the sum of
// line totals by more than tolerance (a fraction of the printed total).
func TotalsDisagree(parsed *models.ParsedReceipt, tolerance float64) bool {
	if parsed == nil || parsed.Total == nil || !parsed.Total.IsPositive() {
		return false
	}
	diff := parsed.ItemsTotal().Sub(*parsed.Total).Abs()
	allowed := parsed.Total.Mul(decimal.NewFromFloat(tolerance))
	return diff.GreaterThan(allowed)
}
