package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codemarcinu/new-egents/internal/logger"
)

var (
	ErrReceiptNotFound       = errors.New("receipt not found")
	ErrProductNotFound       = errors.New("product not found")
	ErrProductConflict       = errors.New("an active product with this name already exists")
	ErrInventoryItemNotFound = errors.New("inventory item not found")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrJobNotFound           = errors.New("pipeline job not found")
	ErrJobActive             = errors.New("an active pipeline job exists for this receipt")
)

// DB wraps the connection pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logger.Logger
}

// Connect creates a new database connection pool. NUMERIC columns are
// decoded into decimal.Decimal on every connection.
func Connect(ctx context.Context, databaseURL string, log *logger.Logger) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("Database connected successfully")
	return &DB{Pool: pool, log: log.With("component", "database")}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping is used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// RunMigrations applies pending migrations in version order.
func RunMigrations(ctx context.Context, db *DB) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	versions := make([]int, 0, len(migrations))
	for version := range migrations {
		versions = append(versions, version)
	}
	sort.Ints(versions)

	for _, version := range versions {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		db.log.Info("Applying migration", "version", version)
		err = db.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, migrations[version]); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
	}
	return nil
}

var migrations = map[int]string{
	1: migration001,
	2: migration002,
}

const migration001 = `
-- Catalog
CREATE TABLE IF NOT EXISTS categories (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(100) UNIQUE NOT NULL,
    parent_id BIGINT REFERENCES categories(id),
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS products (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    normalized_name VARCHAR(255) NOT NULL,
    brand VARCHAR(100),
    barcode VARCHAR(64),
    category_id BIGINT REFERENCES categories(id),
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- one active product and one placeholder per normalised name
CREATE UNIQUE INDEX IF NOT EXISTS uq_products_active_name ON products(normalized_name) WHERE is_active;
CREATE UNIQUE INDEX IF NOT EXISTS uq_products_placeholder_name ON products(normalized_name) WHERE NOT is_active;
CREATE UNIQUE INDEX IF NOT EXISTS uq_products_barcode ON products(barcode) WHERE barcode IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_products_name ON products(name) WHERE is_active;

CREATE TABLE IF NOT EXISTS product_aliases (
    id BIGSERIAL PRIMARY KEY,
    product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
    name VARCHAR(255) NOT NULL,
    normalized_name VARCHAR(255) NOT NULL,
    occurrence_count INT NOT NULL DEFAULT 1,
    first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    verification_status VARCHAR(20) NOT NULL DEFAULT 'unverified'
        CHECK (verification_status IN ('unverified', 'verified', 'rejected')),
    CONSTRAINT uq_product_alias UNIQUE (product_id, normalized_name)
);
CREATE INDEX IF NOT EXISTS idx_product_aliases_normalized ON product_aliases(normalized_name);

-- Receipts
CREATE TABLE IF NOT EXISTS receipts (
    id BIGSERIAL PRIMARY KEY,
    s3_bucket VARCHAR(100) NOT NULL,
    s3_key VARCHAR(500) NOT NULL,
    original_filename VARCHAR(255),
    content_type VARCHAR(100) NOT NULL,
    file_size_bytes BIGINT NOT NULL DEFAULT 0,
    uploaded_by VARCHAR(255),
    raw_ocr_text TEXT,
    ocr_backend VARCHAR(50),
    ocr_confidence DOUBLE PRECISION,
    image_degraded BOOLEAN NOT NULL DEFAULT FALSE,
    extracted_data JSONB,
    store_name VARCHAR(255),
    purchased_at TIMESTAMPTZ,
    currency VARCHAR(3) NOT NULL DEFAULT 'PLN',
    total_amount NUMERIC(12, 2),
    status VARCHAR(20) NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'processing', 'review_pending', 'completed', 'error')),
    processing_step VARCHAR(30) NOT NULL DEFAULT 'uploaded'
        CHECK (processing_step IN ('uploaded', 'ocr_in_progress', 'ocr_completed', 'parsing_in_progress',
            'parsing_completed', 'matching_in_progress', 'matching_completed', 'finalizing_inventory',
            'review_pending', 'done', 'failed')),
    error_message TEXT,
    task_id VARCHAR(64),
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    processed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status, created_at DESC);

CREATE TABLE IF NOT EXISTS receipt_line_items (
    id BIGSERIAL PRIMARY KEY,
    receipt_id BIGINT NOT NULL REFERENCES receipts(id) ON DELETE CASCADE,
    line_number INT NOT NULL,
    product_name VARCHAR(255) NOT NULL,
    quantity NUMERIC(12, 3) NOT NULL,
    unit_price NUMERIC(12, 2) NOT NULL,
    line_total NUMERIC(12, 2) NOT NULL,
    product_id BIGINT REFERENCES products(id),
    match_confidence DOUBLE PRECISION,
    match_type VARCHAR(20) CHECK (match_type IN ('exact', 'alias', 'fuzzy', 'created', 'manual')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT uq_receipt_line UNIQUE (receipt_id, line_number)
);
CREATE INDEX IF NOT EXISTS idx_receipt_line_items_product ON receipt_line_items(product_id);

-- Inventory
CREATE TABLE IF NOT EXISTS inventory_items (
    id BIGSERIAL PRIMARY KEY,
    product_id BIGINT UNIQUE NOT NULL REFERENCES products(id),
    quantity NUMERIC(12, 3) NOT NULL DEFAULT 0 CHECK (quantity >= 0),
    unit VARCHAR(20) NOT NULL DEFAULT 'szt',
    last_restocked TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS inventory_history (
    id BIGSERIAL PRIMARY KEY,
    product_id BIGINT NOT NULL REFERENCES products(id),
    change_type VARCHAR(20) NOT NULL CHECK (change_type IN ('purchase', 'consumption', 'adjustment', 'expired')),
    quantity_delta NUMERIC(12, 3) NOT NULL,
    resulting_quantity NUMERIC(12, 3) NOT NULL,
    source_receipt_id BIGINT REFERENCES receipts(id) ON DELETE SET NULL,
    source_line_item_id BIGINT REFERENCES receipt_line_items(id) ON DELETE SET NULL,
    note TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_inventory_history_source
    ON inventory_history(source_receipt_id, source_line_item_id)
    WHERE source_line_item_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_inventory_history_product ON inventory_history(product_id, created_at DESC);
`

const migration002 = `
-- Pipeline jobs: at most one active job per receipt
CREATE TABLE IF NOT EXISTS pipeline_jobs (
    id UUID PRIMARY KEY,
    receipt_id BIGINT NOT NULL REFERENCES receipts(id) ON DELETE CASCADE,
    state VARCHAR(20) NOT NULL CHECK (state IN ('queued', 'running', 'retrying', 'succeeded', 'failed', 'cancelled')),
    attempt INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_error TEXT,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_pipeline_jobs_active
    ON pipeline_jobs(receipt_id)
    WHERE state IN ('queued', 'running', 'retrying');
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_due
    ON pipeline_jobs(run_at)
    WHERE state IN ('queued', 'retrying');
`
