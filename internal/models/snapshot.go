package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	OccupancyOccupied = "occupied"
	OccupancyVacant   = "vacant"
	OccupancyNotice   = "notice"
)

// RentRollUnit is one canonical unit row. Rents are monthly, areas in square feet.
type RentRollUnit struct {
	UnitID           string           `json:"unit_id"`
	UnitType         string           `json:"unit_type"`
	SquareFeet       *decimal.Decimal `json:"square_feet,omitempty"`
	Bedrooms         *int             `json:"bedrooms,omitempty"`
	Bathrooms        *decimal.Decimal `json:"bathrooms,omitempty"`
	CurrentRent      decimal.Decimal  `json:"current_rent"`
	MarketRent       decimal.Decimal  `json:"market_rent"`
	LeaseStart       *time.Time       `json:"lease_start,omitempty"`
	LeaseEnd         *time.Time       `json:"lease_end,omitempty"`
	Occupancy        string           `json:"occupancy"`
	TenantName       string           `json:"tenant_name,omitempty"`
	Synthetic        bool             `json:"synthetic,omitempty"`
	SourceDocumentID uint64           `json:"source_document_id"`
	ExtractedAt      time.Time        `json:"extracted_at"`
}

// UnitMixBucket summarises the units of one type. Always derived from units.
type UnitMixBucket struct {
	UnitType          string          `json:"unit_type"`
	Count             int             `json:"count"`
	Occupied          int             `json:"occupied"`
	Vacant            int             `json:"vacant"`
	Notice            int             `json:"notice"`
	AverageRent       decimal.Decimal `json:"average_rent"`
	AverageMarketRent decimal.Decimal `json:"average_market_rent"`
	AverageSquareFeet decimal.Decimal `json:"average_square_feet"`
	TotalRent         decimal.Decimal `json:"total_rent"`
}

type NormalizationWarning struct {
	Code       string `json:"code"`
	DocumentID uint64 `json:"document_id,omitempty"`
	Row        int    `json:"row,omitempty"`
	UnitID     string `json:"unit_id,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
}

// FinancialSnapshot is one published version of a deal's rent roll. Rows are
// never updated after insert.
type FinancialSnapshot struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	DealID  uint64 `gorm:"not null;uniqueIndex:idx_snapshot_deal_version,priority:1" json:"deal_id"`
	Version int64  `gorm:"not null;uniqueIndex:idx_snapshot_deal_version,priority:2" json:"version"`

	UnitCount int             `gorm:"not null" json:"unit_count"`
	TotalRent decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"total_rent"`
	Checksum  string          `gorm:"type:varchar(64);not null" json:"checksum"`

	Units           datatypes.JSONSlice[RentRollUnit]         `gorm:"type:jsonb;not null" json:"units"`
	UnitMix         datatypes.JSONSlice[UnitMixBucket]        `gorm:"type:jsonb;not null" json:"unit_mix"`
	SourceDocuments datatypes.JSONSlice[uint64]               `gorm:"type:jsonb;not null" json:"source_documents"`
	Warnings        datatypes.JSONSlice[NormalizationWarning] `gorm:"type:jsonb" json:"warnings,omitempty"`

	RestoredFrom *int64 `json:"restored_from,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
}

func (FinancialSnapshot) TableName() string {
	return "financial_snapshots"
}

// SnapshotSummary is a snapshot row without its unit payload.
type SnapshotSummary struct {
	Version      int64           `json:"version"`
	UnitCount    int             `json:"unit_count"`
	TotalRent    decimal.Decimal `json:"total_rent"`
	Checksum     string          `json:"checksum"`
	RestoredFrom *int64          `json:"restored_from,omitempty"`
	Current      bool            `json:"current"`
	CreatedAt    time.Time       `json:"created_at"`
}
