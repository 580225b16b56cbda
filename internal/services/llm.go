package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/models"
)

// ReceiptModel is the structured-extraction capability. Implementations
// fail with ModelError or SchemaInvalid kinds.
type ReceiptModel interface {
	ExtractReceipt(ctx context.Context, text string) (*models.ParsedReceipt, error)
}

// OllamaOptions configures the Ollama generate client
type OllamaOptions struct {
	BaseURL         string
	Model           string
	Temperature     float64
	Timeout         time.Duration
	DefaultCurrency string
	HTTPClient      *http.Client
}

// OllamaModel asks a local Ollama model for a JSON receipt.
type OllamaModel struct {
	baseURL         string
	model           string
	temperature     float64
	timeout         time.Duration
	defaultCurrency string
	httpClient      *http.Client
	validate        *validator.Validate
}

func NewOllamaModel(opts OllamaOptions) (*OllamaModel, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm base url required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("llm model required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.DefaultCurrency))
	if currency == "" {
		currency = "PLN"
	}
	return &OllamaModel{
		baseURL:         baseURL,
		model:           strings.TrimSpace(opts.Model),
		temperature:     opts.Temperature,
		timeout:         timeout,
		defaultCurrency: currency,
		httpClient:      hc,
		validate:        newReceiptValidator(),
	}, nil
}

// newReceiptValidator lets numeric tags (gt, gte) apply to decimal fields.
func newReceiptValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// modelReceipt is the JSON contract the prompt asks for.
type modelReceipt struct {
	StoreName *string          `json:"store_name"`
	Date      *string          `json:"date"`
	Total     *decimal.Decimal `json:"total"`
	Currency  *string          `json:"currency" validate:"omitempty,len=3,alpha"`
	Products  []modelProduct   `json:"products" validate:"required,min=1,dive"`
}

type modelProduct struct {
	Name       string           `json:"name" validate:"required,max=255"`
	Quantity   *decimal.Decimal `json:"quantity" validate:"omitempty,gt=0"`
	Price      decimal.Decimal  `json:"price" validate:"gte=0"`
	TotalPrice *decimal.Decimal `json:"total_price" validate:"omitempty,gte=0"`
	Unit       *string          `json:"unit"`
}

const receiptPrompt = `You extract structured data from Polish or English shop receipts.

RECEIPT TEXT:
%s

Return only a JSON object with this shape:
{
  "store_name": "shop name or null",
  "date": "YYYY-MM-DD or null",
  "total": number or null,
  "currency": "three letter code, PLN when unsure",
  "products": [
    {"name": "product name", "quantity": number, "price": unit price, "total_price": line total, "unit": "szt, kg or l"}
  ]
}

Rules:
- product names without weights, codes or prices
- quantity defaults to 1
- decimal numbers use a dot
- no commentary outside the JSON`

// ExtractReceipt makes one bounded generate call.
func (m *OllamaModel) ExtractReceipt(ctx context.Context, text string) (*models.ParsedReceipt, error) {
	raw, err := m.generate(ctx, fmt.Sprintf(receiptPrompt, text))
	if err != nil {
		return nil, err
	}

	var out modelReceipt
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &out); err != nil {
		return nil, &PipelineError{Kind: KindSchemaInvalid, Err: fmt.Errorf("decode model output: %w", err)}
	}
	if err := m.validate.Struct(out); err != nil {
		return nil, &PipelineError{Kind: KindSchemaInvalid, Err: err}
	}
	return m.toParsed(out), nil
}

func (m *OllamaModel) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   m.model,
		Prompt:  prompt,
		Stream:  false,
		Format:  "json",
		Options: generateOptions{Temperature: m.temperature, TopP: 0.9},
	})
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, m.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", &PipelineError{Kind: KindModelError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &PipelineError{Kind: KindModelError, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &PipelineError{Kind: KindModelError, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", NewError(KindModelError, "status=%d body=%s", resp.StatusCode, truncate(strings.TrimSpace(string(payload)), 200))
	}

	var gr generateResponse
	if err := json.Unmarshal(payload, &gr); err != nil {
		return "", &PipelineError{Kind: KindModelError, Err: fmt.Errorf("decode generate response: %w", err)}
	}
	if gr.Error != "" {
		return "", NewError(KindModelError, "%s", gr.Error)
	}
	if strings.TrimSpace(gr.Response) == "" {
		return "", NewError(KindModelError, "empty model response")
	}
	return gr.Response, nil
}

func (m *OllamaModel) toParsed(in modelReceipt) *models.ParsedReceipt {
	out := &models.ParsedReceipt{
		SchemaVersion: models.ParsedReceiptSchemaVersion,
		Source:        models.ParseSourceModel,
		Currency:      m.defaultCurrency,
		Total:         in.Total,
	}

	store := "Unknown Store"
	if in.StoreName != nil && !isNullish(*in.StoreName) {
		store = strings.TrimSpace(*in.StoreName)
	}
	out.StoreName = &store

	if in.Date != nil && !isNullish(*in.Date) {
		if d, err := time.Parse("2006-01-02", strings.TrimSpace(*in.Date)); err == nil {
			out.PurchaseDate = &d
		}
	}
	if in.Currency != nil && !isNullish(*in.Currency) {
		out.Currency = strings.ToUpper(strings.TrimSpace(*in.Currency))
	}

	for _, p := range in.Products {
		qty := decimal.NewFromInt(1)
		if p.Quantity != nil {
			qty = *p.Quantity
		}
		total := qty.Mul(p.Price).Round(2)
		if p.TotalPrice != nil && p.TotalPrice.IsPositive() {
			total = *p.TotalPrice
		}
		item := models.ParsedLineItem{
			Name:      strings.TrimSpace(p.Name),
			Quantity:  qty,
			UnitPrice: p.Price,
			LineTotal: total,
		}
		if p.Unit != nil && !isNullish(*p.Unit) {
			u := strings.TrimSpace(*p.Unit)
			item.Unit = &u
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// extractJSONObject trims anything the model wrapped around the object.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func isNullish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "n/a":
		return true
	}
	return false
}

// truncate keeps at most n bytes of s without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
