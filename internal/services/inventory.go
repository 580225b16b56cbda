package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/database"
	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/metrics"
	"github.com/codemarcinu/new-egents/internal/models"
)

// InventoryStore persists stock. ApplyStockChange must serialise changes
// per product and treat a repeated (receipt, line item) source as already
// applied.
type InventoryStore interface {
	ApplyStockChange(ctx context.Context, change models.StockChange) (*models.StockChangeResult, error)
	ListInventory(ctx context.Context) ([]models.InventoryItemWithProduct, error)
	ListLowStock(ctx context.Context, threshold decimal.Decimal) ([]models.InventoryItemWithProduct, error)
	GetInventorySummary(ctx context.Context, lowStockThreshold decimal.Decimal) (*models.InventorySummary, error)
	ListInventoryHistory(ctx context.Context, productID int64, limit int) ([]models.InventoryHistoryEntry, error)
}

// ApplyResult summarises one ApplyReceipt call
type ApplyResult struct {
	Applied        int
	AlreadyApplied int
	Skipped        int
	FailedProducts []int64
}

// InventoryUpdater is the only writer of stock levels.
type InventoryUpdater struct {
	store             InventoryStore
	lowStockThreshold decimal.Decimal
	log               *logger.Logger
	metrics           *metrics.PipelineMetrics
}

func NewInventoryUpdater(store InventoryStore, lowStockThreshold float64, log *logger.Logger, m *metrics.PipelineMetrics) *InventoryUpdater {
	return &InventoryUpdater{
		store:             store,
		lowStockThreshold: decimal.NewFromFloat(lowStockThreshold),
		log:               log.With("component", "InventoryUpdater"),
		metrics:           m,
	}
}

// ApplyReceipt adds every matched line item to stock as a purchase. Lines
// applied by an earlier attempt are skipped by the store, so the call is
// safe to repeat. Per-product failures do not stop the remaining lines;
// they are reported together as an InventoryWriteError.
func (u *InventoryUpdater) ApplyReceipt(ctx context.Context, receiptID int64, items []models.LineItem) (*ApplyResult, error) {
	result := &ApplyResult{}
	var firstErr error

	for i := range items {
		item := items[i]
		if item.ProductID == nil || !item.Quantity.IsPositive() {
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rid, lid := receiptID, item.ID
		res, err := u.store.ApplyStockChange(ctx, models.StockChange{
			ProductID:        *item.ProductID,
			ChangeType:       models.ChangeTypePurchase,
			Delta:            item.Quantity,
			SourceReceiptID:  &rid,
			SourceLineItemID: &lid,
		})
		if err != nil {
			u.metrics.ObserveInventoryWrite(metrics.OutcomeError)
			u.metrics.ObserveDBError(err)
			u.log.Error("Inventory write failed", "receipt_id", receiptID, "line_item_id", item.ID, "product_id", *item.ProductID, "error", err)
			result.FailedProducts = appendUnique(result.FailedProducts, *item.ProductID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.AlreadyApplied {
			u.metrics.ObserveInventoryWrite(metrics.OutcomeSkipped)
			result.AlreadyApplied++
			continue
		}
		u.metrics.ObserveInventoryWrite(metrics.OutcomeSuccess)
		result.Applied++
	}

	if len(result.FailedProducts) > 0 {
		return result, &InventoryWriteError{ProductIDs: result.FailedProducts, Err: firstErr}
	}
	u.log.Info("Inventory updated from receipt", "receipt_id", receiptID, "applied", result.Applied, "already_applied", result.AlreadyApplied, "skipped", result.Skipped)
	return result, nil
}

// Consume removes stock and refuses to go below zero.
func (u *InventoryUpdater) Consume(ctx context.Context, productID int64, quantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error) {
	if !quantity.IsPositive() {
		return nil, NewError(KindValidation, "quantity must be positive")
	}
	res, err := u.store.ApplyStockChange(ctx, models.StockChange{
		ProductID:       productID,
		ChangeType:      models.ChangeTypeConsumption,
		Delta:           quantity.Neg(),
		Note:            optionalNote(note),
		RefuseBelowZero: true,
	})
	if err != nil {
		if errors.Is(err, database.ErrInsufficientStock) {
			return nil, &PipelineError{Kind: KindValidation, Err: err}
		}
		return nil, fmt.Errorf("consume product %d: %w", productID, err)
	}
	return res.Entry, nil
}

// Expire writes stock off as expired. Like Consume it cannot go below zero.
func (u *InventoryUpdater) Expire(ctx context.Context, productID int64, quantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error) {
	if !quantity.IsPositive() {
		return nil, NewError(KindValidation, "quantity must be positive")
	}
	res, err := u.store.ApplyStockChange(ctx, models.StockChange{
		ProductID:       productID,
		ChangeType:      models.ChangeTypeExpired,
		Delta:           quantity.Neg(),
		Note:            optionalNote(note),
		RefuseBelowZero: true,
	})
	if err != nil {
		if errors.Is(err, database.ErrInsufficientStock) {
			return nil, &PipelineError{Kind: KindValidation, Err: err}
		}
		return nil, fmt.Errorf("expire product %d: %w", productID, err)
	}
	return res.Entry, nil
}

// Adjust sets the on-hand quantity, e.g. after a stock take.
func (u *InventoryUpdater) Adjust(ctx context.Context, productID int64, newQuantity decimal.Decimal, note string) (*models.InventoryHistoryEntry, error) {
	if newQuantity.IsNegative() {
		return nil, NewError(KindValidation, "quantity cannot be negative")
	}
	if note == "" {
		note = "manual adjustment"
	}
	target := newQuantity
	res, err := u.store.ApplyStockChange(ctx, models.StockChange{
		ProductID:  productID,
		ChangeType: models.ChangeTypeAdjustment,
		Target:     &target,
		Note:       &note,
	})
	if err != nil {
		return nil, fmt.Errorf("adjust product %d: %w", productID, err)
	}
	return res.Entry, nil
}

func (u *InventoryUpdater) List(ctx context.Context) ([]models.InventoryItemWithProduct, error) {
	return u.store.ListInventory(ctx)
}

// LowStock lists items at or below threshold; zero or negative uses the
// configured default.
func (u *InventoryUpdater) LowStock(ctx context.Context, threshold decimal.Decimal) ([]models.InventoryItemWithProduct, error) {
	if !threshold.IsPositive() {
		threshold = u.lowStockThreshold
	}
	return u.store.ListLowStock(ctx, threshold)
}

func (u *InventoryUpdater) Summary(ctx context.Context) (*models.InventorySummary, error) {
	return u.store.GetInventorySummary(ctx, u.lowStockThreshold)
}

func (u *InventoryUpdater) History(ctx context.Context, productID int64, limit int) ([]models.InventoryHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return u.store.ListInventoryHistory(ctx, productID, limit)
}

func optionalNote(note string) *string {
	if note == "" {
		return nil
	}
	return &note
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
