package invsync

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresRepo runs a real Postgres container and returns a repository
// with the schema applied; skips when Docker is not available.
func startPostgresRepo(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("invsync"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool setup: %v", err)
	}
	t.Cleanup(pool.Close)

	repo := NewRepository(pool, nil, nil)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return repo
}

// Exercises the full insert → update → replay lifecycle against a real
// database, checking the inventory row and its audit trail after each write.
func TestRepository_UpsertLifecycle(t *testing.T) {
	repo := startPostgresRepo(t)
	ctx := context.Background()

	record := &CanonicalRecord{
		ProductID:   "PROD-IT-1",
		Quantity:    50,
		Source:      SourceMarketplaceA,
		WarehouseID: "WH-NY-01",
		UpdatedAt:   "2026-01-01T10:00:00Z",
		Metadata:    map[string]interface{}{"batch": "b-1"},
	}

	// First write inserts the row; the audit entry has no prior quantity.
	first, err := repo.Upsert(ctx, record)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Quantity != 50 || first.WarehouseID != "WH-NY-01" {
		t.Errorf("inserted row = %+v, want quantity 50 warehouse WH-NY-01", first)
	}
	if got := first.Metadata["batch"]; got != "b-1" {
		t.Errorf("row metadata batch = %v, want b-1", got)
	}

	audit, err := repo.GetAudit(ctx, record.ProductID, 10)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	if len(audit) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit))
	}
	if audit[0].OldQuantity != nil {
		t.Errorf("first audit old_quantity = %v, want nil", *audit[0].OldQuantity)
	}
	if audit[0].NewQuantity != 50 {
		t.Errorf("first audit new_quantity = %d, want 50", audit[0].NewQuantity)
	}
	if got := audit[0].Metadata["warehouse_id"]; got != "WH-NY-01" {
		t.Errorf("audit metadata warehouse_id = %v, want WH-NY-01", got)
	}
	if got := audit[0].Metadata["batch"]; got != "b-1" {
		t.Errorf("audit metadata batch = %v, want b-1", got)
	}

	// Second write updates in place: same row id, audit captures 50 → 75.
	time.Sleep(20 * time.Millisecond)
	record.Quantity = 75
	record.UpdatedAt = "2026-01-01T11:00:00Z"
	second, err := repo.Upsert(ctx, record)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("update created a new row: id %s != %s", second.ID, first.ID)
	}
	if second.Quantity != 75 {
		t.Errorf("updated quantity = %d, want 75", second.Quantity)
	}

	audit, err = repo.GetAudit(ctx, record.ProductID, 10)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(audit))
	}
	if audit[0].OldQuantity == nil || *audit[0].OldQuantity != 50 {
		t.Errorf("update audit old_quantity = %v, want 50", audit[0].OldQuantity)
	}
	if audit[0].NewQuantity != 75 {
		t.Errorf("update audit new_quantity = %d, want 75", audit[0].NewQuantity)
	}

	// Replaying the identical record converges: still one inventory row, and
	// the extra audit entry shows old == new.
	time.Sleep(20 * time.Millisecond)
	replay, err := repo.Upsert(ctx, record)
	if err != nil {
		t.Fatalf("replay upsert: %v", err)
	}
	if replay.ID != first.ID || replay.Quantity != 75 {
		t.Errorf("replay row = %+v, want id %s quantity 75", replay, first.ID)
	}

	rows, err := repo.GetByProduct(ctx, record.ProductID)
	if err != nil {
		t.Fatalf("get by product: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("inventory rows after replay = %d, want 1", len(rows))
	}

	audit, err = repo.GetAudit(ctx, record.ProductID, 10)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	if len(audit) != 3 {
		t.Fatalf("audit rows = %d, want 3", len(audit))
	}
	if audit[0].OldQuantity == nil || *audit[0].OldQuantity != 75 || audit[0].NewQuantity != 75 {
		t.Errorf("replay audit = old %v new %d, want 75 and 75", audit[0].OldQuantity, audit[0].NewQuantity)
	}

	// A second source gets its own row for the same product, ordered by
	// source on read.
	other := &CanonicalRecord{
		ProductID: record.ProductID,
		Quantity:  7,
		Source:    SourceMarketplaceB,
		UpdatedAt: "2026-01-01T12:00:00Z",
	}
	if _, err := repo.Upsert(ctx, other); err != nil {
		t.Fatalf("second-source upsert: %v", err)
	}

	rows, err = repo.GetByProduct(ctx, record.ProductID)
	if err != nil {
		t.Fatalf("get by product: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("inventory rows = %d, want 2", len(rows))
	}
	if rows[0].Source != SourceMarketplaceA || rows[1].Source != SourceMarketplaceB {
		t.Errorf("row order = %s, %s, want marketplace_a then marketplace_b", rows[0].Source, rows[1].Source)
	}
	if rows[1].Quantity != 7 || rows[1].WarehouseID != "" {
		t.Errorf("second-source row = %+v, want quantity 7, no warehouse", rows[1])
	}
}
