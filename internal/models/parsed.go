package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParsedReceiptSchemaVersion is bumped whenever ParsedReceipt changes shape.
const ParsedReceiptSchemaVersion = 1

// ParseSource names the path that produced a ParsedReceipt
type ParseSource string

const (
	ParseSourceModel    ParseSource = "model"
	ParseSourceFallback ParseSource = "fallback"
)

// ParsedReceipt is the typed result of the parsing stage. It is persisted
// as the receipt's extracted payload.
type ParsedReceipt struct {
	SchemaVersion int              `json:"schema_version"`
	Source        ParseSource      `json:"source"`
	StoreName     *string          `json:"store_name,omitempty"`
	PurchaseDate  *time.Time       `json:"purchase_date,omitempty"`
	Currency      string           `json:"currency"`
	Total         *decimal.Decimal `json:"total,omitempty"`
	Items         []ParsedLineItem `json:"items"`
}

// ParsedLineItem is one extracted receipt line
type ParsedLineItem struct {
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
	Unit      *string         `json:"unit,omitempty"`
	RawText   string          `json:"raw_text,omitempty"`
}

// ItemsTotal sums line totals.
func (p *ParsedReceipt) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range p.Items {
		sum = sum.Add(item.LineTotal)
	}
	return sum
}
