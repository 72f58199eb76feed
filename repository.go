package invsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the repository DDL, applied by EnsureSchema at startup. Kept as a
// single idempotent script; anything heavier belongs in a migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS inventory (
	id           UUID PRIMARY KEY,
	product_id   TEXT NOT NULL,
	quantity     BIGINT NOT NULL CHECK (quantity >= 0),
	source       TEXT NOT NULL,
	warehouse_id TEXT,
	updated_at   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata     JSONB,
	UNIQUE (product_id, source)
);
CREATE INDEX IF NOT EXISTS idx_inventory_product ON inventory (product_id);
CREATE INDEX IF NOT EXISTS idx_inventory_source ON inventory (source);
CREATE INDEX IF NOT EXISTS idx_inventory_updated ON inventory (updated_at);

CREATE TABLE IF NOT EXISTS inventory_audit (
	id           UUID PRIMARY KEY,
	product_id   TEXT NOT NULL,
	old_quantity BIGINT,
	new_quantity BIGINT NOT NULL,
	source       TEXT NOT NULL,
	changed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata     JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_product ON inventory_audit (product_id);
CREATE INDEX IF NOT EXISTS idx_audit_changed ON inventory_audit (changed_at);
`

// Repository persists canonical records to Postgres. Upsert runs the full
// inventory-plus-audit write in one transaction so the audit invariant (an
// audit row exists matching every inventory row's current quantity) survives
// crashes between steps.
type Repository struct {
	pool    *pgxpool.Pool
	logger  Logger
	metrics Metrics
}

// NewRepository creates a repository over an existing pool. logger and
// metrics may be nil.
func NewRepository(pool *pgxpool.Pool, logger Logger, metrics Metrics) *Repository {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Repository{pool: pool, logger: logger, metrics: metrics}
}

// EnsureSchema applies the DDL. Idempotent.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// Upsert writes one record inside a single transaction:
//
//  1. row-level exclusive reservation on the existing (product_id, source)
//     row, serializing with any writer that slipped past the distributed lock
//  2. read old_quantity (nil when no row exists)
//  3. insert-or-update the inventory row unconditionally; ordering is the
//     lock manager's job, not a timestamp comparison
//  4. append the audit row with the old and new quantities
//
// Idempotent under replay of an identical record: the row converges to the
// same values and the extra audit row records old == new.
func (r *Repository) Upsert(ctx context.Context, record *CanonicalRecord) (*InventoryRow, error) {
	if err := record.Validate(); err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(time.RFC3339, record.UpdatedAt)
	if err != nil {
		return nil, WithContext(ErrBadPayload, map[string]interface{}{"field": "updated_at", "value": record.UpdatedAt})
	}

	start := time.Now()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	// Rollback is a no-op after commit; this covers every early return.
	defer tx.Rollback(context.Background()) //nolint:errcheck

	var oldQuantity *int64
	err = tx.QueryRow(ctx, `
		SELECT quantity FROM inventory
		WHERE product_id = $1 AND source = $2
		FOR UPDATE`,
		record.ProductID, string(record.Source),
	).Scan(&oldQuantity)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, classifyPgError(err)
	}

	row := &InventoryRow{}
	var warehouseID *string
	err = tx.QueryRow(ctx, `
		INSERT INTO inventory (id, product_id, quantity, source, warehouse_id, updated_at, metadata)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (product_id, source) DO UPDATE SET
			quantity     = EXCLUDED.quantity,
			warehouse_id = EXCLUDED.warehouse_id,
			updated_at   = EXCLUDED.updated_at,
			metadata     = EXCLUDED.metadata
		RETURNING id, product_id, quantity, source, warehouse_id, updated_at, created_at, metadata`,
		uuid.NewString(), record.ProductID, record.Quantity, string(record.Source),
		record.WarehouseID, updatedAt, record.Metadata,
	).Scan(&row.ID, &row.ProductID, &row.Quantity, &row.Source, &warehouseID,
		&row.UpdatedAt, &row.CreatedAt, &row.Metadata)
	if err != nil {
		return nil, classifyPgError(err)
	}
	if warehouseID != nil {
		row.WarehouseID = *warehouseID
	}

	auditMeta := make(map[string]interface{}, len(record.Metadata)+1)
	for k, v := range record.Metadata {
		auditMeta[k] = v
	}
	if record.WarehouseID != "" {
		auditMeta["warehouse_id"] = record.WarehouseID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_audit (id, product_id, old_quantity, new_quantity, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), record.ProductID, oldQuantity, record.Quantity,
		string(record.Source), auditMeta,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.metrics.Increment(MetricUpsertError, "source", string(record.Source))
		return nil, classifyPgError(err)
	}

	r.metrics.Increment(MetricUpsertSuccess, "source", string(record.Source))
	r.metrics.Timing(MetricUpsertDuration, time.Since(start), "source", string(record.Source))
	r.logger.Debug("upsert committed",
		"product_id", record.ProductID, "source", string(record.Source), "quantity", record.Quantity)
	return row, nil
}

// GetByProduct returns the inventory rows for one product, ordered by source.
func (r *Repository) GetByProduct(ctx context.Context, productID string) ([]*InventoryRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, quantity, source, warehouse_id, updated_at, created_at, metadata
		FROM inventory
		WHERE product_id = $1
		ORDER BY source`,
		productID,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var result []*InventoryRow
	for rows.Next() {
		row := &InventoryRow{}
		var warehouseID *string
		if err := rows.Scan(&row.ID, &row.ProductID, &row.Quantity, &row.Source,
			&warehouseID, &row.UpdatedAt, &row.CreatedAt, &row.Metadata); err != nil {
			return nil, classifyPgError(err)
		}
		if warehouseID != nil {
			row.WarehouseID = *warehouseID
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetAudit returns the most recent audit rows for one product, newest first.
func (r *Repository) GetAudit(ctx context.Context, productID string, limit int) ([]*AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, old_quantity, new_quantity, source, changed_at, metadata
		FROM inventory_audit
		WHERE product_id = $1
		ORDER BY changed_at DESC
		LIMIT $2`,
		productID, limit,
	)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var result []*AuditRow
	for rows.Next() {
		row := &AuditRow{}
		if err := rows.Scan(&row.ID, &row.ProductID, &row.OldQuantity, &row.NewQuantity,
			&row.Source, &row.ChangedAt, &row.Metadata); err != nil {
			return nil, classifyPgError(err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Ping checks database liveness for health reporting.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// classifyPgError maps Postgres failures onto the retry taxonomy:
// serialization failures, deadlocks and connection problems are transient
// (the queue retries them); constraint violations are permanent.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return WithContext(ErrPermanentStorage, map[string]interface{}{
				"code": pgErr.Code, "detail": pgErr.Message,
			})
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization failure, deadlock
			return WithContext(ErrTransientStorage, map[string]interface{}{"code": pgErr.Code})
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return WithContext(ErrTransientStorage, map[string]interface{}{"code": pgErr.Code})
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return WithContext(ErrTransientStorage, map[string]interface{}{"code": pgErr.Code})
		default:
			return WithContext(ErrPermanentStorage, map[string]interface{}{
				"code": pgErr.Code, "detail": pgErr.Message,
			})
		}
	}

	// Pool acquisition timeouts, dropped connections, cancelled contexts:
	// all worth retrying.
	return WithContext(ErrTransientStorage, map[string]interface{}{"cause": err.Error()})
}
