package normalizer

import (
	"sort"
	"strings"
	"unicode"
)

type field string

const (
	fieldUnitID     field = "unit_id"
	fieldUnitType   field = "unit_type"
	fieldSquareFeet field = "square_feet"
	fieldBedrooms   field = "bedrooms"
	fieldBathrooms  field = "bathrooms"
	fieldRent       field = "rent"
	fieldMarketRent field = "market_rent"
	fieldLeaseStart field = "lease_start"
	fieldLeaseEnd   field = "lease_end"
	fieldTenant     field = "tenant"
	fieldOccupancy  field = "occupancy"
	fieldCount      field = "count"
	fieldOccupied   field = "occupied"
)

type measure int

const (
	measureNone measure = iota
	measureMonthly
	measureAnnual
	measureSqft
	measureSqm
)

// rule maps a set of header aliases onto a canonical field. Earlier rules win
// when two headers of one record resolve to the same field.
type rule struct {
	field   field
	aliases []string
	measure measure
}

var rentRollRules = []rule{
	{field: fieldUnitID, aliases: []string{"unit", "unit_id", "unit_number", "unit_no", "unit_num", "apt", "apartment", "apt_no", "suite", "number"}},
	{field: fieldUnitType, aliases: []string{"unit_type", "type", "floorplan", "floor_plan", "plan", "layout"}},
	{field: fieldSquareFeet, aliases: []string{"sqft", "sq_ft", "sf", "square_feet", "square_footage", "rentable_sf", "size", "area", "unit_size"}, measure: measureSqft},
	{field: fieldSquareFeet, aliases: []string{"sqm", "sq_m", "m2", "square_meters", "square_metres"}, measure: measureSqm},
	{field: fieldBedrooms, aliases: []string{"bedrooms", "beds", "bed", "br", "bd"}},
	{field: fieldBathrooms, aliases: []string{"bathrooms", "baths", "bath", "ba"}},
	{field: fieldRent, aliases: []string{"rent", "current_rent", "actual_rent", "in_place_rent", "in_place", "contract_rent", "lease_rent", "monthly_rent", "current"}, measure: measureMonthly},
	{field: fieldRent, aliases: []string{"annual_rent", "rent_annual", "yearly_rent", "annual_contract_rent", "rent_per_year"}, measure: measureAnnual},
	{field: fieldMarketRent, aliases: []string{"market_rent", "market", "proforma_rent", "proforma", "target_rent", "asking_rent"}, measure: measureMonthly},
	{field: fieldMarketRent, aliases: []string{"annual_market_rent", "market_rent_annual"}, measure: measureAnnual},
	{field: fieldLeaseStart, aliases: []string{"lease_start", "lease_start_date", "lease_from", "start_date", "move_in", "move_in_date"}},
	{field: fieldLeaseEnd, aliases: []string{"lease_end", "lease_end_date", "lease_to", "end_date", "expiration", "lease_expiration", "expiration_date"}},
	{field: fieldTenant, aliases: []string{"tenant", "tenant_name", "resident", "resident_name", "lessee", "name"}},
	{field: fieldOccupancy, aliases: []string{"status", "occupancy", "occupancy_status", "unit_status", "lease_status"}},
}

var unitMixRules = []rule{
	{field: fieldUnitType, aliases: []string{"unit_type", "type", "floorplan", "floor_plan", "plan", "layout"}},
	{field: fieldCount, aliases: []string{"count", "units", "unit_count", "total_units", "number_of_units", "no_of_units", "num_units"}},
	{field: fieldOccupied, aliases: []string{"occupied", "occupied_units", "leased", "leased_units"}},
	{field: fieldBedrooms, aliases: []string{"bedrooms", "beds", "bed", "br", "bd"}},
	{field: fieldSquareFeet, aliases: []string{"average_sqft", "avg_sqft", "average_sf", "avg_sf", "sqft", "sf", "size", "avg_size", "average_size"}, measure: measureSqft},
	{field: fieldSquareFeet, aliases: []string{"average_sqm", "avg_sqm", "sqm", "m2"}, measure: measureSqm},
	{field: fieldRent, aliases: []string{"average_rent", "avg_rent", "rent", "in_place_rent", "current_rent", "monthly_rent"}, measure: measureMonthly},
	{field: fieldRent, aliases: []string{"annual_rent", "average_annual_rent", "avg_annual_rent"}, measure: measureAnnual},
	{field: fieldMarketRent, aliases: []string{"market_rent", "average_market_rent", "avg_market_rent", "proforma_rent", "asking_rent"}, measure: measureMonthly},
}

type ruleIndex struct {
	byAlias map[string]int
	rules   []rule
}

func newRuleIndex(rules []rule) ruleIndex {
	idx := ruleIndex{byAlias: make(map[string]int), rules: rules}
	for i, r := range rules {
		for _, a := range r.aliases {
			if _, dup := idx.byAlias[a]; !dup {
				idx.byAlias[a] = i
			}
		}
	}
	return idx
}

var (
	rentRollIndex = newRuleIndex(rentRollRules)
	unitMixIndex  = newRuleIndex(unitMixRules)
)

// period hints that may trail a money header, e.g. "Rent ($/mo)".
var periodSuffixes = []struct {
	token   string
	measure measure
}{
	{"monthly", measureMonthly},
	{"month", measureMonthly},
	{"mo", measureMonthly},
	{"annually", measureAnnual},
	{"annual", measureAnnual},
	{"year", measureAnnual},
	{"yr", measureAnnual},
	{"pa", measureAnnual},
}

type mapped struct {
	header  string
	value   string
	measure measure
	rule    int
}

// resolve finds the rule for a header, falling back to stripping a trailing
// period hint for money fields.
func (idx ruleIndex) resolve(header string) (int, measure, bool) {
	key := canonicalHeader(header)
	if key == "" {
		return 0, measureNone, false
	}
	if i, ok := idx.byAlias[key]; ok {
		return i, idx.rules[i].measure, true
	}
	for _, hint := range periodSuffixes {
		suffix := "_" + hint.token
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		base := strings.TrimSuffix(key, suffix)
		if i, ok := idx.byAlias[base]; ok {
			r := idx.rules[i]
			if r.measure == measureMonthly || r.measure == measureAnnual {
				return i, hint.measure, true
			}
		}
	}
	return 0, measureNone, false
}

// canonicalHeader lower-cases a header and collapses every run of
// non-alphanumerics into one underscore: "Sq. Ft." -> "sq_ft".
func canonicalHeader(h string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// mapFields applies the rule table to one record. Unmapped and ambiguous
// headers are reported through warn and never carried forward.
func (n *run) mapFields(rec RawRecord, idx ruleIndex) map[field]mapped {
	headers := make([]string, 0, len(rec.Fields))
	for h := range rec.Fields {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	out := make(map[field]mapped, len(headers))
	for _, h := range headers {
		value := strings.TrimSpace(rec.Fields[h])
		i, m, ok := idx.resolve(h)
		if !ok {
			n.warnUnmapped(rec, h)
			continue
		}
		if value == "" {
			continue
		}
		f := idx.rules[i].field
		if prev, exists := out[f]; exists {
			if prev.rule <= i {
				n.warnf(rec, WarnAmbiguousField, "", string(f), "header %q ignored, %q already maps to %s", h, prev.header, f)
				continue
			}
			n.warnf(rec, WarnAmbiguousField, "", string(f), "header %q ignored, %q already maps to %s", prev.header, h, f)
		}
		out[f] = mapped{header: h, value: value, measure: m, rule: i}
	}
	return out
}

// ColumnMapping reports how one source header resolves for a schema.
type ColumnMapping struct {
	Header  string `json:"header"`
	Field   string `json:"field,omitempty"`
	Measure string `json:"measure,omitempty"`
	Mapped  bool   `json:"mapped"`
}

var measureNames = map[measure]string{
	measureMonthly: "monthly",
	measureAnnual:  "annual",
	measureSqft:    "sqft",
	measureSqm:     "sqm",
}

// MapColumns resolves every distinct header of records against the schema's
// alias table, sorted by header. Unknown schemas map nothing.
func MapColumns(schema SourceSchema, records []map[string]string) []ColumnMapping {
	var idx ruleIndex
	switch schema {
	case SchemaRentRoll:
		idx = rentRollIndex
	case SchemaUnitMix:
		idx = unitMixIndex
	}
	seen := make(map[string]struct{})
	headers := make([]string, 0)
	for _, rec := range records {
		for h := range rec {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			headers = append(headers, h)
		}
	}
	sort.Strings(headers)

	out := make([]ColumnMapping, 0, len(headers))
	for _, h := range headers {
		cm := ColumnMapping{Header: h}
		if idx.rules != nil {
			if i, m, ok := idx.resolve(h); ok {
				cm.Field = string(idx.rules[i].field)
				cm.Measure = measureNames[m]
				cm.Mapped = true
			}
		}
		out = append(out, cm)
	}
	return out
}
