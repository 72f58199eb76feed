package invsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ArchiveBackend is the object-storage surface the archiver writes to.
type ArchiveBackend interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error
}

// ArchiverConfig holds audit archival tuning parameters.
type ArchiverConfig struct {
	MaxAge    time.Duration
	BatchSize int
}

// DefaultArchiverConfig returns the defaults: archive audit rows older than
// 90 days, 500 rows per object.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		MaxAge:    90 * 24 * time.Hour,
		BatchSize: 500,
	}
}

// Archiver exports aged inventory_audit rows to object storage as JSON Lines
// and prunes them. Export and delete happen in one transaction per batch, so
// a crash never loses rows: either the batch is still in Postgres or it is
// fully in the archive.
type Archiver struct {
	pool    *pgxpool.Pool
	backend ArchiveBackend
	config  ArchiverConfig
	logger  Logger
	metrics Metrics
}

// NewArchiver creates an archiver. logger and metrics may be nil.
func NewArchiver(pool *pgxpool.Pool, backend ArchiveBackend, config ArchiverConfig, logger Logger, metrics Metrics) *Archiver {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &Archiver{
		pool:    pool,
		backend: backend,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Run archives batches until no aged rows remain. Returns the number of rows
// archived.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.config.MaxAge)
	total := 0

	for {
		n, err := a.archiveBatch(ctx, cutoff)
		if err != nil {
			a.metrics.Increment(MetricArchiveErrors)
			return total, err
		}
		total += n
		if n < a.config.BatchSize {
			break
		}
	}

	if total > 0 {
		a.metrics.Increment(MetricArchiveRows)
		a.logger.Info("audit archive pass complete", "rows", total, "cutoff", cutoff.Format(time.RFC3339))
	}
	return total, nil
}

// archiveBatch exports one batch. SKIP LOCKED lets multiple instances run the
// archiver concurrently without deadlocking on the same rows.
func (a *Archiver) archiveBatch(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPgError(err)
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, product_id, old_quantity, new_quantity, source, changed_at, metadata
		FROM inventory_audit
		WHERE changed_at < $1
		ORDER BY changed_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		cutoff, a.config.BatchSize,
	)
	if err != nil {
		return 0, classifyPgError(err)
	}

	var batch []*AuditRow
	var ids []string
	for rows.Next() {
		row := &AuditRow{}
		if err := rows.Scan(&row.ID, &row.ProductID, &row.OldQuantity, &row.NewQuantity,
			&row.Source, &row.ChangedAt, &row.Metadata); err != nil {
			rows.Close()
			return 0, classifyPgError(err)
		}
		batch = append(batch, row)
		ids = append(ids, row.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classifyPgError(err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range batch {
		if err := enc.Encode(row); err != nil {
			return 0, WithContext(ErrPermanentStorage, map[string]interface{}{"reason": "audit row not encodable"})
		}
	}

	key := fmt.Sprintf("audit/%s/%s.jsonl", batch[0].ChangedAt.UTC().Format("2006-01-02"), uuid.NewString())
	if err := a.backend.Put(ctx, key, buf.Bytes()); err != nil {
		return 0, WithContext(ErrTransientStorage, map[string]interface{}{"op": "archive_put", "key": key, "cause": err.Error()})
	}

	if _, err := tx.Exec(ctx, `DELETE FROM inventory_audit WHERE id = ANY($1)`, ids); err != nil {
		return 0, classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPgError(err)
	}

	a.logger.Debug("archived audit batch", "rows", len(batch), "key", key)
	return len(batch), nil
}
