package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChangeType classifies an inventory history entry
type ChangeType string

const (
	ChangeTypePurchase    ChangeType = "purchase"
	ChangeTypeConsumption ChangeType = "consumption"
	ChangeTypeAdjustment  ChangeType = "adjustment"
	ChangeTypeExpired     ChangeType = "expired"
)

// InventoryItem is the on-hand stock of one product
type InventoryItem struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
	LastRestocked *time.Time      `json:"last_restocked,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InventoryItemWithProduct includes joined product data for display
type InventoryItemWithProduct struct {
	InventoryItem
	ProductName  string  `json:"product_name"`
	CategoryName *string `json:"category_name,omitempty"`
	IsActive     bool    `json:"is_active"`
}

// InventoryHistoryEntry is an append-only audit record
type InventoryHistoryEntry struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	ChangeType        ChangeType      `json:"change_type"`
	QuantityDelta     decimal.Decimal `json:"quantity_delta"`
	ResultingQuantity decimal.Decimal `json:"resulting_quantity"`
	SourceReceiptID   *int64          `json:"source_receipt_id,omitempty"`
	SourceLineItemID  *int64          `json:"source_line_item_id,omitempty"`
	Note              *string         `json:"note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// StockChange describes one read-modify-write on an inventory item
type StockChange struct {
	ProductID  int64
	ChangeType ChangeType
	Delta      decimal.Decimal
	// Target, when set, replaces Delta with Target minus the locked quantity
	Target           *decimal.Decimal
	SourceReceiptID  *int64
	SourceLineItemID *int64
	Note             *string
	// RefuseBelowZero makes the change fail instead of clamping at zero
	RefuseBelowZero bool
}

// StockChangeResult reports what a StockChange did
type StockChangeResult struct {
	Entry *InventoryHistoryEntry
	// AlreadyApplied is set when the source line item had been applied before
	AlreadyApplied bool
}

// InventorySummary provides aggregate stats for the inventory dashboard
type InventorySummary struct {
	TotalProducts   int             `json:"total_products"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	LowStockCount   int             `json:"low_stock_count"`
	OutOfStockCount int             `json:"out_of_stock_count"`
	PlaceholderRefs int             `json:"placeholder_products"`
}
