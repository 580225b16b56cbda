package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/codemarcinu/new-egents/internal/models"
)

const historyColumns = `
	id, product_id, change_type, quantity_delta, resulting_quantity,
	source_receipt_id, source_line_item_id, note, created_at`

func scanHistory(row pgx.Row) (*models.InventoryHistoryEntry, error) {
	e := &models.InventoryHistoryEntry{}
	err := row.Scan(&e.ID, &e.ProductID, &e.ChangeType, &e.QuantityDelta, &e.ResultingQuantity,
		&e.SourceReceiptID, &e.SourceLineItemID, &e.Note, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ApplyStockChange performs one read-modify-write under a row lock on the
// product's inventory item and appends the matching history entry in the
// same transaction. A change whose (receipt, line item) source is already
// in the history is reported as AlreadyApplied and changes nothing.
func (db *DB) ApplyStockChange(ctx context.Context, change models.StockChange) (*models.StockChangeResult, error) {
	result := &models.StockChangeResult{}

	err := db.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_items (product_id, quantity) VALUES ($1, 0)
			ON CONFLICT (product_id) DO NOTHING
		`, change.ProductID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrProductNotFound
			}
			return err
		}

		var current decimal.Decimal
		err = tx.QueryRow(ctx, `
			SELECT quantity FROM inventory_items WHERE product_id = $1 FOR UPDATE
		`, change.ProductID).Scan(&current)
		if err != nil {
			return fmt.Errorf("lock inventory item: %w", err)
		}

		if change.SourceReceiptID != nil && change.SourceLineItemID != nil {
			existing, err := scanHistory(tx.QueryRow(ctx, `
				SELECT `+historyColumns+` FROM inventory_history
				WHERE source_receipt_id = $1 AND source_line_item_id = $2
			`, *change.SourceReceiptID, *change.SourceLineItemID))
			switch {
			case err == nil:
				result.Entry = existing
				result.AlreadyApplied = true
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		delta, resulting, note, err := ResolveStockChange(current, change)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE inventory_items
			SET quantity = $2, updated_at = NOW(),
			    last_restocked = CASE WHEN $3 = 'purchase' THEN NOW() ELSE last_restocked END
			WHERE product_id = $1
		`, change.ProductID, resulting, string(change.ChangeType))
		if err != nil {
			return err
		}

		entry, err := scanHistory(tx.QueryRow(ctx, `
			INSERT INTO inventory_history (product_id, change_type, quantity_delta, resulting_quantity,
			                               source_receipt_id, source_line_item_id, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+historyColumns,
			change.ProductID, change.ChangeType, delta, resulting,
			change.SourceReceiptID, change.SourceLineItemID, note,
		))
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}
		result.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveStockChange computes the effective delta and resulting quantity
// for change against the locked current quantity. A result below zero is
// refused or clamped at zero with an explanatory note.
func ResolveStockChange(current decimal.Decimal, change models.StockChange) (delta, resulting decimal.Decimal, note *string, err error) {
	delta = change.Delta
	if change.Target != nil {
		delta = change.Target.Sub(current)
	}
	note = change.Note
	resulting = current.Add(delta)

	if resulting.IsNegative() {
		if change.RefuseBelowZero {
			return decimal.Zero, decimal.Zero, nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientStock, current, delta.Neg())
		}
		msg := fmt.Sprintf("clamped at zero: requested %s with %s on hand", delta, current)
		if note != nil && *note != "" {
			msg = *note + "; " + msg
		}
		note = &msg
		delta = current.Neg()
		resulting = decimal.Zero
	}
	return delta, resulting, note, nil
}

const inventoryColumns = `
	ii.id, ii.product_id, ii.quantity, ii.unit, ii.last_restocked, ii.updated_at,
	p.name, c.name, p.is_active`

func (db *DB) queryInventory(ctx context.Context, where string, args ...interface{}) ([]models.InventoryItemWithProduct, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_items ii
		JOIN products p ON ii.product_id = p.id
		LEFT JOIN categories c ON p.category_id = c.id
		`+where+`
		ORDER BY p.name ASC, ii.id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.InventoryItemWithProduct{}
	for rows.Next() {
		var it models.InventoryItemWithProduct
		err := rows.Scan(&it.ID, &it.ProductID, &it.Quantity, &it.Unit, &it.LastRestocked, &it.UpdatedAt,
			&it.ProductName, &it.CategoryName, &it.IsActive)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListInventory returns every stocked product
func (db *DB) ListInventory(ctx context.Context) ([]models.InventoryItemWithProduct, error) {
	return db.queryInventory(ctx, "")
}

// ListLowStock returns items at or below threshold
func (db *DB) ListLowStock(ctx context.Context, threshold decimal.Decimal) ([]models.InventoryItemWithProduct, error) {
	return db.queryInventory(ctx, "WHERE ii.quantity <= $1", threshold)
}

// GetInventorySummary returns aggregate stats for the dashboard
func (db *DB) GetInventorySummary(ctx context.Context, lowStockThreshold decimal.Decimal) (*models.InventorySummary, error) {
	s := &models.InventorySummary{}
	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(ii.quantity), 0),
			COUNT(*) FILTER (WHERE ii.quantity > 0 AND ii.quantity <= $1),
			COUNT(*) FILTER (WHERE ii.quantity = 0),
			COUNT(*) FILTER (WHERE NOT p.is_active)
		FROM inventory_items ii
		JOIN products p ON ii.product_id = p.id
	`, lowStockThreshold).Scan(&s.TotalProducts, &s.TotalQuantity, &s.LowStockCount, &s.OutOfStockCount, &s.PlaceholderRefs)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListInventoryHistory returns a product's audit trail, newest first
func (db *DB) ListInventoryHistory(ctx context.Context, productID int64, limit int) ([]models.InventoryHistoryEntry, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+historyColumns+`
		FROM inventory_history
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.InventoryHistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
