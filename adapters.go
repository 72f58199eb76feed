package invsync

import (
	"encoding/json"
	"time"
)

// Adapter normalizes one marketplace's payload format into CanonicalRecord.
// Adapters are pure and stateless: no I/O, no retained state beyond a logger.
type Adapter interface {
	// Source returns the source every record from this adapter carries.
	Source() Source

	// Transform converts one raw payload. Returns ErrBadPayload when required
	// fields are missing, mistyped, or quantity is negative.
	Transform(raw json.RawMessage) (*CanonicalRecord, error)

	// TransformBatch converts many payloads, dropping and logging individual
	// failures. The batch never fails as a whole.
	TransformBatch(raws []json.RawMessage) []*CanonicalRecord
}

// marketplaceAPayload is the webhook body shape for Marketplace A.
// Pointers distinguish missing fields from zero values.
type marketplaceAPayload struct {
	ProductCode    *string                `json:"product_code"`
	AvailableStock *int64                 `json:"available_stock"`
	Warehouse      string                 `json:"warehouse"`
	Timestamp      *string                `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// MarketplaceAAdapter maps Marketplace A webhook payloads:
// product_code → product_id, available_stock → quantity,
// warehouse → warehouse_id, timestamp → updated_at (RFC3339 passthrough).
type MarketplaceAAdapter struct {
	logger Logger
}

// NewMarketplaceAAdapter creates the adapter. logger may be nil.
func NewMarketplaceAAdapter(logger Logger) *MarketplaceAAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &MarketplaceAAdapter{logger: logger}
}

func (a *MarketplaceAAdapter) Source() Source { return SourceMarketplaceA }

func (a *MarketplaceAAdapter) Transform(raw json.RawMessage) (*CanonicalRecord, error) {
	var p marketplaceAPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, WithContext(ErrBadPayload, map[string]interface{}{
			"source": SourceMarketplaceA,
			"reason": err.Error(),
		})
	}
	if p.ProductCode == nil || *p.ProductCode == "" {
		return nil, missingField(SourceMarketplaceA, "product_code")
	}
	if p.AvailableStock == nil {
		return nil, missingField(SourceMarketplaceA, "available_stock")
	}
	if p.Timestamp == nil {
		return nil, missingField(SourceMarketplaceA, "timestamp")
	}

	record := &CanonicalRecord{
		ProductID:   *p.ProductCode,
		Quantity:    *p.AvailableStock,
		Source:      SourceMarketplaceA,
		WarehouseID: p.Warehouse,
		UpdatedAt:   *p.Timestamp,
		Metadata:    p.Metadata,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *MarketplaceAAdapter) TransformBatch(raws []json.RawMessage) []*CanonicalRecord {
	return transformBatch(a, a.logger, raws)
}

// marketplaceBPayload is one item of the Marketplace B polled delta feed.
type marketplaceBPayload struct {
	SKU            *string                `json:"sku"`
	Qty            *int64                 `json:"qty"`
	LocationID     string                 `json:"location_id"`
	LastModified   *int64                 `json:"last_modified"`
	AdditionalInfo map[string]interface{} `json:"additional_info"`
}

// MarketplaceBAdapter maps Marketplace B polled items:
// sku → product_id, qty → quantity, location_id → warehouse_id,
// last_modified (Unix seconds) → updated_at as RFC3339 UTC with millisecond
// precision.
type MarketplaceBAdapter struct {
	logger Logger
}

// NewMarketplaceBAdapter creates the adapter. logger may be nil.
func NewMarketplaceBAdapter(logger Logger) *MarketplaceBAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &MarketplaceBAdapter{logger: logger}
}

func (a *MarketplaceBAdapter) Source() Source { return SourceMarketplaceB }

func (a *MarketplaceBAdapter) Transform(raw json.RawMessage) (*CanonicalRecord, error) {
	var p marketplaceBPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, WithContext(ErrBadPayload, map[string]interface{}{
			"source": SourceMarketplaceB,
			"reason": err.Error(),
		})
	}
	if p.SKU == nil || *p.SKU == "" {
		return nil, missingField(SourceMarketplaceB, "sku")
	}
	if p.Qty == nil {
		return nil, missingField(SourceMarketplaceB, "qty")
	}
	if p.LastModified == nil {
		return nil, missingField(SourceMarketplaceB, "last_modified")
	}

	updatedAt := time.UnixMilli(*p.LastModified * 1000).UTC().Format("2006-01-02T15:04:05.000Z")

	record := &CanonicalRecord{
		ProductID:   *p.SKU,
		Quantity:    *p.Qty,
		Source:      SourceMarketplaceB,
		WarehouseID: p.LocationID,
		UpdatedAt:   updatedAt,
		Metadata:    p.AdditionalInfo,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func (a *MarketplaceBAdapter) TransformBatch(raws []json.RawMessage) []*CanonicalRecord {
	return transformBatch(a, a.logger, raws)
}

// transformBatch runs Transform over each payload, skipping failures so one
// malformed item cannot poison a whole poll cycle.
func transformBatch(a Adapter, logger Logger, raws []json.RawMessage) []*CanonicalRecord {
	records := make([]*CanonicalRecord, 0, len(raws))
	for i, raw := range raws {
		record, err := a.Transform(raw)
		if err != nil {
			logger.Warn("dropping payload that failed transform",
				"source", string(a.Source()),
				"index", i,
				"error", err.Error())
			continue
		}
		records = append(records, record)
	}
	return records
}

func missingField(source Source, field string) error {
	return WithContext(ErrBadPayload, map[string]interface{}{
		"source": source,
		"field":  field,
		"reason": "missing or empty",
	})
}
