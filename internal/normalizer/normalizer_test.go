package normalizer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dealbase/internal/apperr"
	"dealbase/internal/models"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func rr(doc uint64, at time.Time, row int, fields map[string]string) RawRecord {
	return RawRecord{DocumentID: doc, ExtractedAt: at, Row: row, Schema: SchemaRentRoll, Fields: fields}
}

func hasWarning(res *Result, code string) bool {
	for _, w := range res.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func TestNormalizeLaterDocumentWins(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "101", "rent": "1200/mo"}),
		rr(2, t1, 1, map[string]string{"unit": "101", "rent": "1250/mo"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 1 {
		t.Fatalf("units=%d want=1", len(res.Units))
	}
	u := res.Units[0]
	if u.UnitID != "101" {
		t.Fatalf("unit_id=%q want=101", u.UnitID)
	}
	if !u.CurrentRent.Equal(decimal.NewFromInt(1250)) {
		t.Fatalf("rent=%s want=1250", u.CurrentRent)
	}
	if u.SourceDocumentID != 2 {
		t.Fatalf("source doc=%d want=2", u.SourceDocumentID)
	}
	if !hasWarning(res, WarnDuplicateUnit) {
		t.Fatalf("expected duplicate warning, got %+v", res.Warnings)
	}
	if len(res.SourceDocuments) != 2 {
		t.Fatalf("source documents=%v", res.SourceDocuments)
	}
}

func TestNormalizeTieBreaksOnDocumentID(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(9, t0, 1, map[string]string{"unit": "7", "rent": "900"}),
		rr(4, t0, 1, map[string]string{"unit": "7", "rent": "800"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if got := res.Units[0].CurrentRent; !got.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("rent=%s want=900 (higher document id)", got)
	}
}

func TestNormalizeDropsRowsMissingRequiredFields(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "", "rent": "1000"}),
		rr(1, t0, 2, map[string]string{"unit": "102"}),
		rr(1, t0, 3, map[string]string{"unit": "103", "rent": "n/a"}),
		rr(1, t0, 4, map[string]string{"unit": "104", "rent": "(50)"}),
		rr(1, t0, 5, map[string]string{"unit": "105", "rent": "1,100.00"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 1 || res.Units[0].UnitID != "105" {
		t.Fatalf("units=%+v", res.Units)
	}
	for _, code := range []string{WarnMissingUnitID, WarnMissingRent, WarnInvalidRent, WarnNegativeRent} {
		if !hasWarning(res, code) {
			t.Fatalf("missing warning %s in %+v", code, res.Warnings)
		}
	}
}

func TestNormalizeZeroValidUnitsFails(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"tenant": "Smith"}),
	})
	if !errors.Is(err, apperr.ErrNormalization) {
		t.Fatalf("err=%v want normalization error", err)
	}
	if res == nil || len(res.Warnings) == 0 {
		t.Fatalf("expected warnings with the failed result")
	}

	if _, err := Normalize(nil); !errors.Is(err, apperr.ErrNormalization) {
		t.Fatalf("empty input err=%v want normalization error", err)
	}
}

func TestNormalizeUnitConversions(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"Unit #": "A1", "Annual Rent": "$14,400", "Sq. M.": "50"}),
		rr(1, t0, 2, map[string]string{"Unit #": "A2", "Rent": "18000/yr", "SF": "700 sf"}),
		rr(1, t0, 3, map[string]string{"Unit #": "A3", "Rent ($/mo)": "1,050", "Area": "60 sqm"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	cases := []struct {
		unit string
		rent string
		sqft string
	}{
		{"A1", "1200", "538.2"},
		{"A2", "1500", "700"},
		{"A3", "1050", "645.83"},
	}
	for i, tc := range cases {
		u := res.Units[i]
		if u.UnitID != tc.unit {
			t.Fatalf("unit[%d]=%q want=%q", i, u.UnitID, tc.unit)
		}
		if !u.CurrentRent.Equal(decimal.RequireFromString(tc.rent)) {
			t.Fatalf("%s rent=%s want=%s", tc.unit, u.CurrentRent, tc.rent)
		}
		if u.SquareFeet == nil || !u.SquareFeet.Equal(decimal.RequireFromString(tc.sqft)) {
			t.Fatalf("%s sqft=%v want=%s", tc.unit, u.SquareFeet, tc.sqft)
		}
	}
}

func TestNormalizeRejectsUnmappedFieldsOncePerDocument(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "1", "rent": "100", "pet_fee": "25"}),
		rr(1, t0, 2, map[string]string{"unit": "2", "rent": "100", "pet_fee": "25"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	count := 0
	for _, w := range res.Warnings {
		if w.Code == WarnUnmappedField {
			count++
			if w.Field != "pet_fee" {
				t.Fatalf("field=%q want=pet_fee", w.Field)
			}
		}
	}
	if count != 1 {
		t.Fatalf("unmapped warnings=%d want=1", count)
	}
}

func TestNormalizeInfersTypeAndOccupancy(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "1", "rent": "900", "beds": "0", "tenant": "Lee"}),
		rr(1, t0, 2, map[string]string{"unit": "2", "rent": "1300", "sqft": "950", "tenant": "VACANT"}),
		rr(1, t0, 3, map[string]string{"unit": "3", "rent": "1500", "type": "2 bed / 2 bath", "status": "NTV", "tenant": "Kim"}),
		rr(1, t0, 4, map[string]string{"unit": "4", "rent": "0"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	want := []struct {
		typ string
		occ string
	}{
		{"Studio", models.OccupancyOccupied},
		{"2BR", models.OccupancyVacant},
		{"2BR", models.OccupancyNotice},
		{"Unknown", models.OccupancyVacant},
	}
	for i, w := range want {
		u := res.Units[i]
		if u.UnitType != w.typ || u.Occupancy != w.occ {
			t.Fatalf("unit %s type=%q occ=%q want %q %q", u.UnitID, u.UnitType, u.Occupancy, w.typ, w.occ)
		}
	}
	if res.Units[1].TenantName != "" {
		t.Fatalf("vacant tenant name should be cleared, got %q", res.Units[1].TenantName)
	}
}

func TestNormalizeClearsInvertedLeaseEnd(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "1", "rent": "900", "lease_start": "2026-06-01", "lease_end": "05/31/2026"}),
		rr(1, t0, 2, map[string]string{"unit": "2", "rent": "900", "move in": "1/15/2026", "expiration": "Jan 14, 2027"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if res.Units[0].LeaseEnd != nil {
		t.Fatalf("lease end should be cleared")
	}
	if !hasWarning(res, WarnInvalidLeaseDates) {
		t.Fatalf("expected invalid lease dates warning")
	}
	u := res.Units[1]
	if u.LeaseStart == nil || u.LeaseEnd == nil {
		t.Fatalf("lease dates missing: %+v", u)
	}
	if u.LeaseEnd.Before(*u.LeaseStart) {
		t.Fatalf("lease end before start")
	}
}

func TestNormalizeCleansUnitIDs(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "Apt 12b", "rent": "100"}),
		rr(1, t0, 2, map[string]string{"unit": "#12B", "rent": "110"}),
		rr(1, t0, 3, map[string]string{"unit": "101.0", "rent": "120"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 2 {
		t.Fatalf("units=%+v want 2 after cleaning", res.Units)
	}
	if res.Units[0].UnitID != "101" || res.Units[1].UnitID != "12B" {
		t.Fatalf("ids=%q,%q", res.Units[0].UnitID, res.Units[1].UnitID)
	}
	if !res.Units[1].CurrentRent.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("later row should win within a document")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	input := []RawRecord{
		rr(3, t1, 2, map[string]string{"unit": "201", "rent": "1400", "type": "2BR", "sqft": "1000"}),
		rr(1, t0, 1, map[string]string{"unit": "101", "rent": "1200", "type": "1BR"}),
		rr(2, t0, 5, map[string]string{"unit": "101", "rent": "1210", "type": "1BR", "extra": "x"}),
		rr(3, t1, 1, map[string]string{"unit": "10", "rent": "950", "beds": "1"}),
	}
	reversed := make([]RawRecord, len(input))
	for i := range input {
		reversed[len(input)-1-i] = input[i]
	}

	a, err := Normalize(input)
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	b, err := Normalize(reversed)
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Fatalf("outputs differ:\n%s\n%s", ja, jb)
	}
	if Checksum(a.Units, a.UnitMix) != Checksum(b.Units, b.UnitMix) {
		t.Fatalf("checksums differ")
	}
}

func TestNormalizeUnitMixRows(t *testing.T) {
	mix := func(doc uint64, at time.Time, row int, fields map[string]string) RawRecord {
		return RawRecord{DocumentID: doc, ExtractedAt: at, Row: row, Schema: SchemaUnitMix, Fields: fields}
	}
	res, err := Normalize([]RawRecord{
		mix(1, t0, 1, map[string]string{"Unit Type": "1 Bed", "Units": "3", "Occupied": "2", "Avg Rent": "1,000", "Avg SF": "700"}),
		mix(1, t0, 2, map[string]string{"Unit Type": "2 Bed", "Units": "2", "Avg Rent": "1,400"}),
		mix(2, t1, 1, map[string]string{"Unit Type": "2BR", "Units": "4", "Avg Rent": "1,500"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 7 {
		t.Fatalf("units=%d want=7", len(res.Units))
	}
	if len(res.UnitMix) != 2 {
		t.Fatalf("buckets=%+v", res.UnitMix)
	}
	one, two := res.UnitMix[0], res.UnitMix[1]
	if one.UnitType != "1BR" || one.Count != 3 || one.Occupied != 2 || one.Vacant != 1 {
		t.Fatalf("1BR bucket=%+v", one)
	}
	if two.UnitType != "2BR" || two.Count != 4 || !two.AverageRent.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("2BR bucket=%+v (later document should win)", two)
	}
}

func TestNormalizeUnitMixKeepsFloorplansOfOneDocument(t *testing.T) {
	mix := func(doc uint64, at time.Time, row int, fields map[string]string) RawRecord {
		return RawRecord{DocumentID: doc, ExtractedAt: at, Row: row, Schema: SchemaUnitMix, Fields: fields}
	}
	res, err := Normalize([]RawRecord{
		mix(1, t0, 1, map[string]string{"Floorplan": "2BR A", "Units": "10", "Avg Rent": "1,400", "Avg SF": "900"}),
		mix(1, t0, 2, map[string]string{"Floorplan": "2BR B", "Units": "5", "Avg Rent": "1,600", "Avg SF": "1100"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 15 {
		t.Fatalf("units=%d want=15", len(res.Units))
	}
	if len(res.UnitMix) != 1 || res.UnitMix[0].UnitType != "2BR" || res.UnitMix[0].Count != 15 {
		t.Fatalf("buckets=%+v", res.UnitMix)
	}
	ids := make(map[string]struct{}, len(res.Units))
	for _, u := range res.Units {
		ids[u.UnitID] = struct{}{}
	}
	if len(ids) != 15 {
		t.Fatalf("synthetic ids not unique: %d distinct", len(ids))
	}
	if hasWarning(res, WarnDuplicateUnit) {
		t.Fatalf("unexpected duplicate warning: %+v", res.Warnings)
	}

	res, err = Normalize([]RawRecord{
		mix(1, t0, 1, map[string]string{"Floorplan": "2BR A", "Units": "10", "Avg Rent": "1,400"}),
		mix(1, t0, 2, map[string]string{"Floorplan": "2BR B", "Units": "5", "Avg Rent": "1,600"}),
		mix(2, t1, 1, map[string]string{"Floorplan": "2 Bed", "Units": "12", "Avg Rent": "1,500"}),
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 12 {
		t.Fatalf("units=%d want=12 from the newer document", len(res.Units))
	}
	replaced := 0
	for _, w := range res.Warnings {
		if w.Code == WarnDuplicateUnit && w.DocumentID == 1 {
			replaced++
		}
	}
	if replaced != 2 {
		t.Fatalf("duplicate warnings for document 1=%d want=2: %+v", replaced, res.Warnings)
	}
}

func TestNormalizeSpacedPeriodSuffix(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"1200 / mo", "1200"},
		{"$1,100 /month", "1100"},
		{"14,400 / yr", "1200"},
	}
	for _, tc := range cases {
		res, err := Normalize([]RawRecord{rr(1, t0, 1, map[string]string{"unit": "101", "rent": tc.raw})})
		if err != nil {
			t.Fatalf("%q: Normalize err=%v", tc.raw, err)
		}
		if got := res.Units[0].CurrentRent; !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("%q: rent=%s want=%s", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizeIgnoresUnitMixAlongsideRentRoll(t *testing.T) {
	res, err := Normalize([]RawRecord{
		rr(1, t0, 1, map[string]string{"unit": "1", "rent": "100"}),
		{DocumentID: 2, ExtractedAt: t0, Row: 1, Schema: SchemaUnitMix, Fields: map[string]string{"type": "1BR", "count": "10", "rent": "900"}},
		{DocumentID: 3, ExtractedAt: t0, Row: 1, Schema: "t12", Fields: map[string]string{"unit": "1"}},
	})
	if err != nil {
		t.Fatalf("Normalize err=%v", err)
	}
	if len(res.Units) != 1 {
		t.Fatalf("units=%d want=1", len(res.Units))
	}
	if !hasWarning(res, WarnUnitMixIgnored) || !hasWarning(res, WarnUnknownSchema) {
		t.Fatalf("warnings=%+v", res.Warnings)
	}
}

func TestEmptyResult(t *testing.T) {
	res := Empty([]uint64{5, 2, 5})
	if len(res.Units) != 0 || len(res.UnitMix) != 0 {
		t.Fatalf("expected no units")
	}
	if len(res.SourceDocuments) != 2 || res.SourceDocuments[0] != 2 {
		t.Fatalf("source documents=%v", res.SourceDocuments)
	}
}
