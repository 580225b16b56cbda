package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/codemarcinu/new-egents/internal/models"
)

const receiptColumns = `
	r.id, r.s3_bucket, r.s3_key, r.original_filename, r.content_type, r.file_size_bytes, r.uploaded_by,
	r.raw_ocr_text, r.ocr_backend, r.ocr_confidence, r.image_degraded, r.extracted_data,
	r.store_name, r.purchased_at, r.currency, r.total_amount,
	r.status, r.processing_step, r.error_message, r.task_id, r.cancel_requested,
	r.processed_at, r.created_at, r.updated_at`

func scanReceipt(row pgx.Row) (*models.Receipt, error) {
	r := &models.Receipt{}
	err := row.Scan(
		&r.ID, &r.S3Bucket, &r.S3Key, &r.OriginalFilename, &r.ContentType, &r.FileSizeBytes, &r.UploadedBy,
		&r.RawOCRText, &r.OCRBackend, &r.OCRConfidence, &r.ImageDegraded, &r.ExtractedData,
		&r.StoreName, &r.PurchasedAt, &r.Currency, &r.TotalAmount,
		&r.Status, &r.ProcessingStep, &r.ErrorMessage, &r.TaskID, &r.CancelRequested,
		&r.ProcessedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return r, nil
}

// CreateReceipt creates a new receipt record at step uploaded
func (db *DB) CreateReceipt(ctx context.Context, req *models.CreateReceiptRequest) (*models.Receipt, error) {
	return scanReceipt(db.Pool.QueryRow(ctx, `
		INSERT INTO receipts AS r (s3_bucket, s3_key, original_filename, content_type, file_size_bytes, uploaded_by,
		                           currency, status, processing_step)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 'pending', 'uploaded')
		RETURNING `+receiptColumns,
		req.S3Bucket, req.S3Key, req.OriginalFilename, req.ContentType, req.FileSizeBytes, req.UploadedBy, req.Currency,
	))
}

// GetReceipt retrieves a receipt by ID
func (db *DB) GetReceipt(ctx context.Context, id int64) (*models.Receipt, error) {
	return scanReceipt(db.Pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts r WHERE r.id = $1`, id))
}

// GetReceiptWithItems retrieves a receipt and its line items
func (db *DB) GetReceiptWithItems(ctx context.Context, id int64) (*models.ReceiptWithItems, error) {
	receipt, err := db.GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := db.GetLineItems(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.ReceiptWithItems{Receipt: *receipt, Items: items}, nil
}

// ListReceipts returns a page of receipts, newest first
func (db *DB) ListReceipts(ctx context.Context, params *models.ReceiptListParams) ([]models.Receipt, int, error) {
	where := ""
	args := []interface{}{}
	if params.Status != nil && *params.Status != "" {
		where = "WHERE r.status = $1"
		args = append(args, *params.Status)
	}

	var total int
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM receipts r `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, params.Limit, params.Offset)
	query := fmt.Sprintf(`SELECT %s FROM receipts r %s ORDER BY r.created_at DESC, r.id DESC LIMIT $%d OFFSET $%d`,
		receiptColumns, where, len(args)-1, len(args))
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	receipts := []models.Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, 0, err
		}
		receipts = append(receipts, *r)
	}
	return receipts, total, rows.Err()
}

// UpdateReceiptProgress persists a state machine transition. errMsg is
// written as given, so nil clears a previous error.
func (db *DB) UpdateReceiptProgress(ctx context.Context, id int64, status models.ReceiptStatus, step models.ProcessingStep, errMsg *string) error {
	var processedAt *time.Time
	if status == models.ReceiptStatusCompleted || status == models.ReceiptStatusReviewPending || status == models.ReceiptStatusError {
		now := time.Now()
		processedAt = &now
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE receipts
		SET status = $2, processing_step = $3, error_message = $4,
		    processed_at = COALESCE($5, processed_at), updated_at = NOW()
		WHERE id = $1
	`, id, status, step, errMsg, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// SaveOCRResult stores the transcription and moves the receipt to ocr_completed.
func (db *DB) SaveOCRResult(ctx context.Context, id int64, cp models.OCRCheckpoint) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE receipts
		SET raw_ocr_text = $2, ocr_backend = $3, ocr_confidence = $4, image_degraded = $5,
		    processing_step = 'ocr_completed', updated_at = NOW()
		WHERE id = $1
	`, id, cp.Text, cp.Backend, cp.Confidence, cp.Degraded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// SaveParsedReceipt stores the typed payload and moves the receipt to parsing_completed.
func (db *DB) SaveParsedReceipt(ctx context.Context, id int64, parsed *models.ParsedReceipt) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE receipts
		SET extracted_data = $2, store_name = $3, purchased_at = $4, currency = $5, total_amount = $6,
		    processing_step = 'parsing_completed', updated_at = NOW()
		WHERE id = $1
	`, id, parsed, parsed.StoreName, parsed.PurchaseDate, parsed.Currency, parsed.Total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// ReplaceLineItems swaps the receipt's line items for the given set and
// moves it to matching_completed in one transaction, so a repeated
// matching stage never leaves duplicates.
func (db *DB) ReplaceLineItems(ctx context.Context, receiptID int64, items []models.CreateLineItemRequest) ([]models.LineItem, error) {
	var out []models.LineItem
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE receipts SET processing_step = 'matching_completed', updated_at = NOW() WHERE id = $1
		`, receiptID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrReceiptNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM receipt_line_items WHERE receipt_id = $1`, receiptID); err != nil {
			return err
		}

		out = make([]models.LineItem, 0, len(items))
		for _, req := range items {
			item := models.LineItem{}
			err := tx.QueryRow(ctx, `
				INSERT INTO receipt_line_items (receipt_id, line_number, product_name, quantity, unit_price, line_total,
				                                product_id, match_confidence, match_type)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id, receipt_id, line_number, product_name, quantity, unit_price, line_total,
				          product_id, match_confidence, match_type, created_at
			`, receiptID, req.LineNumber, req.ProductName, req.Quantity, req.UnitPrice, req.LineTotal,
				req.ProductID, req.MatchConfidence, req.MatchType).Scan(
				&item.ID, &item.ReceiptID, &item.LineNumber, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal,
				&item.ProductID, &item.MatchConfidence, &item.MatchType, &item.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert line %d: %w", req.LineNumber, err)
			}
			if a := req.Alias; a != nil {
				if err := recordAlias(ctx, tx, a.ProductID, a.Name, a.NormalizedName, a.SeenAt); err != nil {
					return fmt.Errorf("record alias of line %d: %w", req.LineNumber, err)
				}
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLineItems retrieves all items for a receipt in line order
func (db *DB) GetLineItems(ctx context.Context, receiptID int64) ([]models.LineItem, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, receipt_id, line_number, product_name, quantity, unit_price, line_total,
		       product_id, match_confidence, match_type, created_at
		FROM receipt_line_items
		WHERE receipt_id = $1
		ORDER BY line_number ASC, id ASC
	`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.LineItem{}
	for rows.Next() {
		item := models.LineItem{}
		err := rows.Scan(
			&item.ID, &item.ReceiptID, &item.LineNumber, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal,
			&item.ProductID, &item.MatchConfidence, &item.MatchType, &item.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RequestCancel flags the receipt; the coordinator checks the flag at stage boundaries.
func (db *DB) RequestCancel(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE receipts SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

// DeleteReceipt removes a receipt and returns its storage key for cleanup.
// Inventory history keeps its rows with the source reference cleared.
func (db *DB) DeleteReceipt(ctx context.Context, id int64) (string, error) {
	var key string
	err := db.Pool.QueryRow(ctx, `DELETE FROM receipts WHERE id = $1 RETURNING s3_key`, id).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrReceiptNotFound
		}
		return "", err
	}
	return key, nil
}
