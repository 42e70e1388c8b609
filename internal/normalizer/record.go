package normalizer

import (
	"time"

	"dealbase/internal/models"
)

// SourceSchema tags the layout a raw record was extracted from.
type SourceSchema string

const (
	SchemaRentRoll SourceSchema = "rent_roll"
	SchemaUnitMix  SourceSchema = "unit_mix"
)

// SchemaForDocumentType maps a document file type to the schema of its rows.
func SchemaForDocumentType(fileType string) (SourceSchema, bool) {
	switch fileType {
	case models.DocumentTypeRentRoll:
		return SchemaRentRoll, true
	case models.DocumentTypeUnitMix:
		return SchemaUnitMix, true
	}
	return "", false
}

// RawRecord is one row handed over by the extraction pipeline. Fields are
// keyed by the source header exactly as extracted.
type RawRecord struct {
	DocumentID  uint64
	ExtractedAt time.Time
	Row         int
	Schema      SourceSchema
	Fields      map[string]string
}

// Result is a proposed snapshot body. It carries no version and no timestamps
// of its own.
type Result struct {
	Units           []models.RentRollUnit
	UnitMix         []models.UnitMixBucket
	SourceDocuments []uint64
	Warnings        []models.NormalizationWarning
}

const (
	WarnMissingUnitID     = "missing_unit_id"
	WarnMissingRent       = "missing_rent"
	WarnInvalidRent       = "invalid_rent"
	WarnNegativeRent      = "negative_rent"
	WarnInvalidValue      = "invalid_value"
	WarnInvalidLeaseDates = "invalid_lease_dates"
	WarnUnknownOccupancy  = "unknown_occupancy"
	WarnUnmappedField     = "unmapped_field"
	WarnAmbiguousField    = "ambiguous_field"
	WarnDuplicateUnit     = "duplicate_unit"
	WarnUnknownSchema     = "unknown_schema"
	WarnUnitMixIgnored    = "unit_mix_ignored"
	WarnInvalidCount      = "invalid_count"
	WarnNoRecords         = "no_extracted_records"
)
