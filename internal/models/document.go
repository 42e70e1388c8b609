package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	DocumentStatusPending   = "pending"
	DocumentStatusExtracted = "extracted"
	DocumentStatusFailed    = "failed"
)

const (
	DocumentTypeRentRoll = "rent_roll"
	DocumentTypeUnitMix  = "unit_mix"
)

// RawRow is one extracted record as delivered by the extraction pipeline.
type RawRow struct {
	Row    int               `json:"row"`
	Fields map[string]string `json:"fields"`
}

// Document is an uploaded source file plus its extracted rows. Rows are
// written once; a replacement upload points at the old row via SupersededBy.
type Document struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	DealID uint64 `gorm:"not null;index" json:"deal_id"`

	FileName    string `gorm:"type:varchar(255);not null" json:"file_name"`
	FileType    string `gorm:"type:varchar(20);not null;index" json:"file_type"`
	ContentType string `gorm:"type:varchar(100)" json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`

	ExtractionStatus string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"extraction_status"`
	ExtractionError  *string    `gorm:"type:text" json:"extraction_error,omitempty"`
	ExtractedAt      *time.Time `gorm:"type:timestamptz" json:"extracted_at,omitempty"`
	RecordCount      int        `gorm:"not null;default:0" json:"record_count"`

	Records datatypes.JSONSlice[RawRow] `gorm:"type:jsonb" json:"-"`

	SupersededBy *uint64 `gorm:"index" json:"superseded_by,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
}

func (Document) TableName() string {
	return "documents"
}

func (d Document) Active() bool {
	return d.SupersededBy == nil && d.ExtractionStatus == DocumentStatusExtracted
}
