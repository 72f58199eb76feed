package invsync

import (
	"time"
)

// Source identifies which marketplace an update originated from.
type Source string

const (
	SourceMarketplaceA Source = "marketplace_a"
	SourceMarketplaceB Source = "marketplace_b"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceMarketplaceA, SourceMarketplaceB:
		return true
	}
	return false
}

// CanonicalRecord is the normalized inventory update used inside the core.
// Adapters produce it, the queue carries it, the repository persists it.
type CanonicalRecord struct {
	ProductID   string                 `json:"product_id"`
	Quantity    int64                  `json:"quantity"`
	Source      Source                 `json:"source"`
	WarehouseID string                 `json:"warehouse_id,omitempty"`
	UpdatedAt   string                 `json:"updated_at"` // RFC3339 UTC, preserved byte-exact from the source
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the record against the canonical schema: non-empty product,
// known source, non-negative quantity, parseable RFC3339 timestamp.
func (r *CanonicalRecord) Validate() error {
	if r.ProductID == "" {
		return WithContext(ErrBadPayload, map[string]interface{}{
			"field":  "product_id",
			"reason": "must be non-empty",
		})
	}
	if r.Quantity < 0 {
		return WithContext(ErrBadPayload, map[string]interface{}{
			"field":  "quantity",
			"value":  r.Quantity,
			"reason": "must be non-negative",
		})
	}
	if !r.Source.Valid() {
		return WithContext(ErrBadPayload, map[string]interface{}{
			"field": "source",
			"value": string(r.Source),
		})
	}
	if _, err := time.Parse(time.RFC3339, r.UpdatedAt); err != nil {
		return WithContext(ErrBadPayload, map[string]interface{}{
			"field":  "updated_at",
			"value":  r.UpdatedAt,
			"reason": "must be RFC3339",
		})
	}
	return nil
}

// InventoryRow is the persisted form of a record. (ProductID, Source) is
// unique; ID is synthetic.
type InventoryRow struct {
	ID          string                 `json:"id"`
	ProductID   string                 `json:"product_id"`
	Quantity    int64                  `json:"quantity"`
	Source      Source                 `json:"source"`
	WarehouseID string                 `json:"warehouse_id,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CreatedAt   time.Time              `json:"created_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AuditRow is the append-only record of one successful upsert. OldQuantity is
// nil on first insert.
type AuditRow struct {
	ID          string                 `json:"id"`
	ProductID   string                 `json:"product_id"`
	OldQuantity *int64                 `json:"old_quantity"`
	NewQuantity int64                  `json:"new_quantity"`
	Source      Source                 `json:"source"`
	ChangedAt   time.Time              `json:"changed_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
