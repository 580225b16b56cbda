package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codemarcinu/new-egents/internal/models"
)

const productColumns = `
	p.id, p.name, p.normalized_name, p.brand, p.barcode, p.category_id, c.name,
	p.is_active, p.created_at, p.updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	p := &models.Product{}
	err := row.Scan(
		&p.ID, &p.Name, &p.NormalizedName, &p.Brand, &p.Barcode, &p.CategoryID, &p.CategoryName,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// optionalProduct maps "no rows" to a nil product, the contract of the
// matcher lookups.
func optionalProduct(p *models.Product, err error) (*models.Product, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// FindActiveProductByName is the exact matcher tier: the catalog name as
// written, case included. A name that differs only in case or punctuation
// misses here and is caught by the fuzzy tier at similarity 1.0, so it is
// labelled fuzzy rather than exact and its spelling is recorded as a new
// alias of the product.
func (db *DB) FindActiveProductByName(ctx context.Context, name string) (*models.Product, error) {
	return optionalProduct(scanProduct(db.Pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON p.category_id = c.id
		WHERE p.name = $1 AND p.is_active
		ORDER BY p.id
		LIMIT 1
	`, name)))
}

// FindProductByAlias is the alias matcher tier. Rejected aliases never match,
// nor do placeholder aliases no saved receipt has counted yet. Verified and
// frequently seen aliases win over the rest.
func (db *DB) FindProductByAlias(ctx context.Context, normalized string) (*models.Product, error) {
	return optionalProduct(scanProduct(db.Pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM product_aliases a
		JOIN products p ON a.product_id = p.id
		LEFT JOIN categories c ON p.category_id = c.id
		WHERE a.normalized_name = $1 AND a.verification_status <> 'rejected' AND a.occurrence_count > 0
		ORDER BY (a.verification_status = 'verified') DESC, a.occurrence_count DESC, a.last_seen DESC, p.id ASC
		LIMIT 1
	`, normalized)))
}

// RecordAliasOccurrence creates the alias or bumps its count and last_seen.
func (db *DB) RecordAliasOccurrence(ctx context.Context, productID int64, alias, normalized string, seenAt time.Time) error {
	return recordAlias(ctx, db.Pool, productID, alias, normalized, seenAt)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func recordAlias(ctx context.Context, q execer, productID int64, alias, normalized string, seenAt time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO product_aliases (product_id, name, normalized_name, occurrence_count, first_seen, last_seen)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (product_id, normalized_name) DO UPDATE
		SET occurrence_count = product_aliases.occurrence_count + 1,
		    last_seen = GREATEST(product_aliases.last_seen, EXCLUDED.last_seen)
	`, productID, alias, normalized, seenAt)
	return err
}

// ListMatchCandidates returns the active catalog for the fuzzy tier.
func (db *DB) ListMatchCandidates(ctx context.Context) ([]models.MatchCandidate, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, name, normalized_name, updated_at FROM products WHERE is_active
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MatchCandidate
	for rows.Next() {
		var c models.MatchCandidate
		if err := rows.Scan(&c.ProductID, &c.Name, &c.NormalizedName, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateProduct inserts a product and its initial alias. A concurrent
// insert of the same normalised name resolves to the existing row.
func (db *DB) CreateProduct(ctx context.Context, req *models.CreateProductRequest) (*models.Product, error) {
	seenAt := req.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	var productID int64
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		conflict := `ON CONFLICT (normalized_name) WHERE is_active DO NOTHING`
		if !req.IsActive {
			conflict = `ON CONFLICT (normalized_name) WHERE NOT is_active DO NOTHING`
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO products (name, normalized_name, brand, barcode, category_id, is_active)
			VALUES ($1, $2, $3, $4, $5, $6)
			`+conflict+`
			RETURNING id
		`, req.Name, req.NormalizedName, req.Brand, req.Barcode, req.CategoryID, req.IsActive).Scan(&productID)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `
				SELECT id FROM products WHERE normalized_name = $1 AND is_active = $2
			`, req.NormalizedName, req.IsActive).Scan(&productID)
		}
		if err != nil {
			return err
		}

		if req.InitialAlias != nil && *req.InitialAlias != "" {
			// counted when the creating receipt saves its line items
			_, err = tx.Exec(ctx, `
				INSERT INTO product_aliases (product_id, name, normalized_name, occurrence_count, first_seen, last_seen)
				VALUES ($1, $2, $3, 0, $4, $4)
				ON CONFLICT (product_id, normalized_name) DO NOTHING
			`, productID, *req.InitialAlias, req.NormalizedName, seenAt)
			if err != nil {
				return fmt.Errorf("insert alias: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetProduct(ctx, productID)
}

// EnsureCategory returns the category with the given name, creating it if needed.
func (db *DB) EnsureCategory(ctx context.Context, name string) (*models.Category, error) {
	c := &models.Category{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, parent_id
	`, name).Scan(&c.ID, &c.Name, &c.ParentID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCategories returns all categories by name
func (db *DB) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id, name, parent_id FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.ParentID); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetProduct retrieves a product with its aliases
func (db *DB) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, err := scanProduct(db.Pool.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON p.category_id = c.id
		WHERE p.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}

	aliases, err := db.ListAliases(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Aliases = aliases
	return p, nil
}

// ListAliases returns a product's aliases, oldest first
func (db *DB) ListAliases(ctx context.Context, productID int64) ([]models.ProductAlias, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, product_id, name, normalized_name, occurrence_count, first_seen, last_seen, verification_status
		FROM product_aliases
		WHERE product_id = $1
		ORDER BY first_seen ASC, id ASC
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aliases := []models.ProductAlias{}
	for rows.Next() {
		var a models.ProductAlias
		err := rows.Scan(&a.ID, &a.ProductID, &a.Name, &a.NormalizedName, &a.OccurrenceCount,
			&a.FirstSeen, &a.LastSeen, &a.VerificationStatus)
		if err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// ListProducts returns the catalog; placeholdersOnly narrows it to
// products waiting for curation.
func (db *DB) ListProducts(ctx context.Context, placeholdersOnly bool, limit, offset int) ([]models.Product, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products p
		LEFT JOIN categories c ON p.category_id = c.id
		WHERE ($1 = FALSE OR NOT p.is_active)
		ORDER BY p.name ASC, p.id ASC
		LIMIT $2 OFFSET $3
	`, placeholdersOnly, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// ActivateProduct promotes a placeholder into the curated catalog. It
// returns ErrProductConflict when an active product already has the name.
func (db *DB) ActivateProduct(ctx context.Context, id int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE products SET is_active = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		if isUniqueViolation(err, "uq_products_active_name") {
			return ErrProductConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// SetAliasStatus records a curation decision on an alias.
func (db *DB) SetAliasStatus(ctx context.Context, productID int64, normalized string, status models.AliasStatus) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE product_aliases SET verification_status = $3
		WHERE product_id = $1 AND normalized_name = $2
	`, productID, normalized, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}
