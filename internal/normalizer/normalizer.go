// Package normalizer turns extracted rent roll and unit mix rows into the
// canonical unit set of a snapshot. It has no state and performs no I/O;
// identical input always produces identical output.
package normalizer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dealbase/internal/apperr"
	"dealbase/internal/models"
)

// maxSyntheticUnits bounds the expansion of a single unit mix row.
const maxSyntheticUnits = 5000

type candidate struct {
	unit        models.RentRollUnit
	documentID  uint64
	extractedAt time.Time
	row         int
}

// newer reports whether c should replace cur for the same unit id: the most
// recently extracted document wins, then the most recently ingested one.
func (c candidate) newer(cur candidate) bool {
	if !c.extractedAt.Equal(cur.extractedAt) {
		return c.extractedAt.After(cur.extractedAt)
	}
	if c.documentID != cur.documentID {
		return c.documentID > cur.documentID
	}
	return c.row > cur.row
}

type run struct {
	warnings     []models.NormalizationWarning
	unmappedSeen map[string]struct{}
}

// Normalize maps, validates and deduplicates records into a snapshot body.
// When no valid unit remains it returns a NormalizationError together with
// the result so the warnings can still be reported.
func Normalize(records []RawRecord) (*Result, error) {
	n := &run{unmappedSeen: make(map[string]struct{})}

	sorted := make([]RawRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].DocumentID != sorted[j].DocumentID {
			return sorted[i].DocumentID < sorted[j].DocumentID
		}
		return sorted[i].Row < sorted[j].Row
	})

	hasRentRoll := false
	for _, rec := range sorted {
		if rec.Schema == SchemaRentRoll {
			hasRentRoll = true
			break
		}
	}

	docs := make(map[uint64]struct{})
	candidates := make([]candidate, 0, len(sorted))
	mixGroups := make(map[string][]mixRow)
	mixOrder := make([]string, 0)
	for _, rec := range sorted {
		docs[rec.DocumentID] = struct{}{}
		switch rec.Schema {
		case SchemaRentRoll:
			if c, ok := n.rentRollUnit(rec); ok {
				candidates = append(candidates, c)
			}
		case SchemaUnitMix:
			if hasRentRoll {
				n.warnf(rec, WarnUnitMixIgnored, "", "", "unit mix row ignored, batch has rent roll rows")
				continue
			}
			row, ok := n.unitMixRow(rec)
			if !ok {
				continue
			}
			label := row.label()
			if _, exists := mixGroups[label]; !exists {
				mixOrder = append(mixOrder, label)
			}
			mixGroups[label] = n.mergeMixRow(mixGroups[label], row)
		default:
			n.warnf(rec, WarnUnknownSchema, "", "", "unknown schema %q", rec.Schema)
		}
	}
	for _, label := range mixOrder {
		next := 1
		for _, row := range mixGroups[label] {
			candidates = append(candidates, row.expand(label, next)...)
			next += row.count
		}
	}

	units := n.dedupe(candidates)
	res := &Result{
		Units:           units,
		UnitMix:         DeriveUnitMix(units),
		SourceDocuments: sortedIDs(docs),
		Warnings:        n.warnings,
	}
	if len(units) == 0 {
		return res, &apperr.Error{
			Kind:    apperr.ErrNormalization,
			Op:      "normalizer.Normalize",
			Message: fmt.Sprintf("no valid units in %d records", len(records)),
			Meta:    map[string]any{"records": len(records), "warnings": len(res.Warnings)},
		}
	}
	return res, nil
}

// Empty builds a valid zero-unit snapshot body for deals whose documents all
// failed extraction.
func Empty(documentIDs []uint64) *Result {
	docs := make(map[uint64]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		docs[id] = struct{}{}
	}
	return &Result{
		Units:           []models.RentRollUnit{},
		UnitMix:         []models.UnitMixBucket{},
		SourceDocuments: sortedIDs(docs),
		Warnings: []models.NormalizationWarning{{
			Code:    WarnNoRecords,
			Message: "no document produced extracted records",
		}},
	}
}

func (n *run) rentRollUnit(rec RawRecord) (candidate, bool) {
	fields := n.mapFields(rec, rentRollIndex)

	unitID := ""
	if v, ok := fields[fieldUnitID]; ok {
		unitID = cleanUnitID(v.value)
	}
	if unitID == "" {
		n.warnf(rec, WarnMissingUnitID, "", string(fieldUnitID), "record dropped: no unit identifier")
		return candidate{}, false
	}
	rentField, ok := fields[fieldRent]
	if !ok {
		n.warnf(rec, WarnMissingRent, unitID, string(fieldRent), "record dropped: no rent")
		return candidate{}, false
	}
	rent, err := parseMoney(rentField.value, rentField.measure)
	if err != nil {
		n.warnf(rec, WarnInvalidRent, unitID, rentField.header, "record dropped: %v", err)
		return candidate{}, false
	}
	if rent.IsNegative() {
		n.warnf(rec, WarnNegativeRent, unitID, rentField.header, "record dropped: rent %s is negative", rent)
		return candidate{}, false
	}

	u := models.RentRollUnit{
		UnitID:           unitID,
		CurrentRent:      rent,
		MarketRent:       rent,
		SourceDocumentID: rec.DocumentID,
		ExtractedAt:      rec.ExtractedAt.UTC(),
	}

	if v, ok := fields[fieldSquareFeet]; ok {
		if area, err := parseArea(v.value, v.measure); err != nil {
			n.warnf(rec, WarnInvalidValue, unitID, v.header, "%v", err)
		} else {
			u.SquareFeet = &area
		}
	}
	if v, ok := fields[fieldBedrooms]; ok {
		if beds, err := parseBedrooms(v.value); err != nil {
			n.warnf(rec, WarnInvalidValue, unitID, v.header, "%v", err)
		} else {
			u.Bedrooms = &beds
		}
	}
	if v, ok := fields[fieldBathrooms]; ok {
		if baths, err := parseDecimal(v.value); err != nil {
			n.warnf(rec, WarnInvalidValue, unitID, v.header, "%v", err)
		} else {
			u.Bathrooms = &baths
		}
	}
	if v, ok := fields[fieldMarketRent]; ok {
		if market, err := parseMoney(v.value, v.measure); err != nil || market.IsNegative() {
			n.warnf(rec, WarnInvalidValue, unitID, v.header, "market rent %q ignored", v.value)
		} else {
			u.MarketRent = market
		}
	}
	u.LeaseStart = n.optionalDate(rec, unitID, fields, fieldLeaseStart)
	u.LeaseEnd = n.optionalDate(rec, unitID, fields, fieldLeaseEnd)
	if u.LeaseStart != nil && u.LeaseEnd != nil && u.LeaseEnd.Before(*u.LeaseStart) {
		n.warnf(rec, WarnInvalidLeaseDates, unitID, string(fieldLeaseEnd), "lease end %s before start %s, end cleared",
			u.LeaseEnd.Format("2006-01-02"), u.LeaseStart.Format("2006-01-02"))
		u.LeaseEnd = nil
	}

	if v, ok := fields[fieldUnitType]; ok {
		u.UnitType = cleanUnitType(v.value)
	}
	if u.UnitType == "" {
		u.UnitType = unitTypeFor(u.Bedrooms, u.SquareFeet)
	}

	tenant := ""
	if v, ok := fields[fieldTenant]; ok {
		tenant = strings.Join(strings.Fields(v.value), " ")
	}
	if strings.EqualFold(tenant, "vacant") {
		tenant = ""
	}
	u.TenantName = tenant

	if v, ok := fields[fieldOccupancy]; ok {
		if occ, known := parseOccupancy(v.value); known {
			u.Occupancy = occ
		} else {
			n.warnf(rec, WarnUnknownOccupancy, unitID, v.header, "status %q not recognised, inferred from tenant", v.value)
		}
	}
	if u.Occupancy == "" {
		u.Occupancy = models.OccupancyOccupied
		if tenant == "" {
			u.Occupancy = models.OccupancyVacant
		}
	}

	return candidate{unit: u, documentID: rec.DocumentID, extractedAt: rec.ExtractedAt, row: rec.Row}, true
}

func (n *run) optionalDate(rec RawRecord, unitID string, fields map[field]mapped, f field) *time.Time {
	v, ok := fields[f]
	if !ok {
		return nil
	}
	t, err := parseDate(v.value)
	if err != nil {
		n.warnf(rec, WarnInvalidValue, unitID, v.header, "%v", err)
		return nil
	}
	return &t
}

type mixRow struct {
	unitType    string
	count       int
	occupied    int
	rent        decimal.Decimal
	marketRent  decimal.Decimal
	sqft        *decimal.Decimal
	documentID  uint64
	extractedAt time.Time
	row         int
}

// newerDocument compares the documents two rows came from; rows of one
// document never replace each other.
func (m mixRow) newerDocument(cur mixRow) bool {
	return candidate{documentID: m.documentID, extractedAt: m.extractedAt}.
		newer(candidate{documentID: cur.documentID, extractedAt: cur.extractedAt})
}

// label is the synthetic id segment shared by every row of one unit type.
func (m mixRow) label() string {
	label := strings.ToUpper(canonicalHeader(m.unitType))
	if label == "" {
		return "UNKNOWN"
	}
	return label
}

// mergeMixRow adds row to the rows already kept for its unit type. Rows of
// the same document accumulate (floorplans "2BR A" and "2BR B" are both
// 2BR); a newer document replaces the rows of an older one.
func (n *run) mergeMixRow(group []mixRow, row mixRow) []mixRow {
	if len(group) == 0 || group[0].documentID == row.documentID {
		return append(group, row)
	}
	if !row.newerDocument(group[0]) {
		n.mixReplaced(row, group[0])
		return group
	}
	for _, old := range group {
		n.mixReplaced(old, row)
	}
	return []mixRow{row}
}

func (n *run) mixReplaced(loser, winner mixRow) {
	n.warnings = append(n.warnings, models.NormalizationWarning{
		Code:       WarnDuplicateUnit,
		DocumentID: loser.documentID,
		Row:        loser.row,
		Field:      string(fieldUnitType),
		Message: fmt.Sprintf("unit mix row for %s (%d units) superseded by document %d",
			loser.unitType, loser.count, winner.documentID),
	})
}

// expand turns a unit mix row into synthetic units so that buckets can be
// derived the same way as for a rent roll. Numbering starts at first so that
// several rows of one type get distinct ids.
func (m mixRow) expand(label string, first int) []candidate {
	out := make([]candidate, 0, m.count)
	for i := 0; i < m.count; i++ {
		occ := models.OccupancyVacant
		if i < m.occupied {
			occ = models.OccupancyOccupied
		}
		u := models.RentRollUnit{
			UnitID:           fmt.Sprintf("MIX-%s-%03d", label, first+i),
			UnitType:         m.unitType,
			CurrentRent:      m.rent,
			MarketRent:       m.marketRent,
			Occupancy:        occ,
			Synthetic:        true,
			SourceDocumentID: m.documentID,
			ExtractedAt:      m.extractedAt.UTC(),
		}
		if m.sqft != nil {
			area := *m.sqft
			u.SquareFeet = &area
		}
		out = append(out, candidate{unit: u, documentID: m.documentID, extractedAt: m.extractedAt, row: m.row})
	}
	return out
}

func (n *run) unitMixRow(rec RawRecord) (mixRow, bool) {
	fields := n.mapFields(rec, unitMixIndex)
	row := mixRow{documentID: rec.DocumentID, extractedAt: rec.ExtractedAt, row: rec.Row}

	var beds *int
	if v, ok := fields[fieldBedrooms]; ok {
		if b, err := parseBedrooms(v.value); err == nil {
			beds = &b
		} else {
			n.warnf(rec, WarnInvalidValue, "", v.header, "%v", err)
		}
	}
	if v, ok := fields[fieldSquareFeet]; ok {
		if area, err := parseArea(v.value, v.measure); err == nil {
			row.sqft = &area
		} else {
			n.warnf(rec, WarnInvalidValue, "", v.header, "%v", err)
		}
	}
	if v, ok := fields[fieldUnitType]; ok {
		row.unitType = cleanUnitType(v.value)
	}
	if row.unitType == "" {
		row.unitType = unitTypeFor(beds, row.sqft)
	}

	countField, ok := fields[fieldCount]
	if !ok {
		n.warnf(rec, WarnInvalidCount, "", string(fieldCount), "unit mix row dropped: no unit count")
		return mixRow{}, false
	}
	count, err := parseCount(countField.value)
	if err != nil || count == 0 || count > maxSyntheticUnits {
		n.warnf(rec, WarnInvalidCount, "", countField.header, "unit mix row dropped: count %q", countField.value)
		return mixRow{}, false
	}
	row.count = count
	row.occupied = count
	if v, ok := fields[fieldOccupied]; ok {
		if occ, err := parseCount(v.value); err == nil && occ <= count {
			row.occupied = occ
		} else {
			n.warnf(rec, WarnInvalidValue, "", v.header, "occupied %q ignored", v.value)
		}
	}

	rentField, ok := fields[fieldRent]
	if !ok {
		n.warnf(rec, WarnMissingRent, "", string(fieldRent), "unit mix row dropped: no rent")
		return mixRow{}, false
	}
	rent, err := parseMoney(rentField.value, rentField.measure)
	if err != nil || rent.IsNegative() {
		n.warnf(rec, WarnInvalidRent, "", rentField.header, "unit mix row dropped: rent %q", rentField.value)
		return mixRow{}, false
	}
	row.rent = rent
	row.marketRent = rent
	if v, ok := fields[fieldMarketRent]; ok {
		if market, err := parseMoney(v.value, v.measure); err == nil && !market.IsNegative() {
			row.marketRent = market
		} else {
			n.warnf(rec, WarnInvalidValue, "", v.header, "market rent %q ignored", v.value)
		}
	}
	return row, true
}

// dedupe keeps one candidate per unit id and returns units ordered by id.
func (n *run) dedupe(candidates []candidate) []models.RentRollUnit {
	winners := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		cur, exists := winners[c.unit.UnitID]
		if !exists {
			winners[c.unit.UnitID] = c
			continue
		}
		loser := c
		if c.newer(cur) {
			winners[c.unit.UnitID] = c
			loser = cur
		}
		n.warnings = append(n.warnings, models.NormalizationWarning{
			Code:       WarnDuplicateUnit,
			DocumentID: loser.documentID,
			Row:        loser.row,
			UnitID:     c.unit.UnitID,
			Message:    fmt.Sprintf("unit %s superseded by document %d", c.unit.UnitID, winners[c.unit.UnitID].documentID),
		})
	}

	units := make([]models.RentRollUnit, 0, len(winners))
	for _, c := range winners {
		units = append(units, c.unit)
	}
	sort.Slice(units, func(i, j int) bool { return lessUnitID(units[i].UnitID, units[j].UnitID) })
	return units
}

// lessUnitID orders numeric ids numerically and everything else lexically,
// numbers first.
func lessUnitID(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}

func (n *run) warnf(rec RawRecord, code, unitID, fieldName, format string, args ...any) {
	n.warnings = append(n.warnings, models.NormalizationWarning{
		Code:       code,
		DocumentID: rec.DocumentID,
		Row:        rec.Row,
		UnitID:     unitID,
		Field:      fieldName,
		Message:    fmt.Sprintf(format, args...),
	})
}

// warnUnmapped reports each unknown header once per document.
func (n *run) warnUnmapped(rec RawRecord, header string) {
	key := strconv.FormatUint(rec.DocumentID, 10) + "\x00" + header
	if _, seen := n.unmappedSeen[key]; seen {
		return
	}
	n.unmappedSeen[key] = struct{}{}
	n.warnf(rec, WarnUnmappedField, "", header, "header %q has no mapping for schema %s", header, rec.Schema)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
