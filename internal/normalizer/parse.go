package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	twelve        = decimal.NewFromInt(12)
	sqftPerSqm    = decimal.RequireFromString("10.7639")
	leadingNumber = regexp.MustCompile(`^-?\d+(\.\d+)?`)
	bedroomLabel  = regexp.MustCompile(`^(\d+)\s*(br|bd|bed|beds|bedroom|bedrooms|bdr|bdrm)\b`)
	wholeFloat    = regexp.MustCompile(`^\d+\.0+$`)
	spacedSlash   = regexp.MustCompile(`\s*/\s*`)
)

var moneySuffixes = []struct {
	suffix  string
	measure measure
}{
	{"per month", measureMonthly},
	{"/month", measureMonthly},
	{"monthly", measureMonthly},
	{"/mo", measureMonthly},
	{"per year", measureAnnual},
	{"per annum", measureAnnual},
	{"/annum", measureAnnual},
	{"annually", measureAnnual},
	{"annual", measureAnnual},
	{"/year", measureAnnual},
	{"/yr", measureAnnual},
	{"p.a.", measureAnnual},
	{" pa", measureAnnual},
}

var areaSuffixes = []struct {
	suffix  string
	measure measure
}{
	{"sq. ft.", measureSqft},
	{"sq ft", measureSqft},
	{"sqft", measureSqft},
	{"ft2", measureSqft},
	{"sf", measureSqft},
	{"sq. m.", measureSqm},
	{"sq m", measureSqm},
	{"sqm", measureSqm},
	{"m²", measureSqm},
	{"m2", measureSqm},
}

// parseMoney returns a monthly amount rounded to cents. A period suffix on the
// value overrides the period implied by the header.
func parseMoney(raw string, m measure) (decimal.Decimal, error) {
	s := spacedSlash.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), "/")
	for _, sfx := range moneySuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			m = sfx.measure
			break
		}
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", "usd", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if s == "" || s == "-" {
		return decimal.Zero, fmt.Errorf("empty amount %q", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	if m == measureAnnual {
		d = d.Div(twelve)
	}
	return d.Round(2), nil
}

// parseArea returns square feet rounded to two decimals.
func parseArea(raw string, m measure) (decimal.Decimal, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, sfx := range areaSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			m = sfx.measure
			break
		}
	}
	s = strings.NewReplacer(",", "", " ", "").Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("area %q: %w", raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("area %q is negative", raw)
	}
	if m == measureSqm {
		d = d.Mul(sqftPerSqm)
	}
	return d.Round(2), nil
}

func parseBedrooms(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(s, "studio") || s == "s" || strings.Contains(s, "efficiency") {
		return 0, nil
	}
	num := leadingNumber.FindString(s)
	if num == "" {
		return 0, fmt.Errorf("bedrooms %q", raw)
	}
	d, err := decimal.NewFromString(num)
	if err != nil || d.IsNegative() {
		return 0, fmt.Errorf("bedrooms %q", raw)
	}
	return int(d.IntPart()), nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	num := leadingNumber.FindString(s)
	if num == "" {
		return decimal.Zero, fmt.Errorf("number %q", raw)
	}
	return decimal.NewFromString(num)
}

func parseCount(raw string) (int, error) {
	d, err := parseDecimal(raw)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) || d.IsNegative() {
		return 0, fmt.Errorf("count %q is not a whole number", raw)
	}
	return int(d.IntPart()), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
	"1/2/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"02-Jan-06",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// parseDate accepts the common spreadsheet layouts and Excel serial days.
// The result is a UTC calendar date.
func parseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 20000 && serial < 80000 {
		return excelEpoch.AddDate(0, 0, int(serial)), nil
	}
	return time.Time{}, fmt.Errorf("date %q", raw)
}

// cleanUnitID upper-cases a unit label and strips unit/apt prefixes and
// spreadsheet float artefacts ("101.0").
func cleanUnitID(raw string) string {
	s := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	s = strings.TrimPrefix(s, "#")
	for _, p := range []string{"UNIT ", "APT. ", "APT ", "SUITE ", "STE "} {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
			break
		}
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "#"))
	if wholeFloat.MatchString(s) {
		s = s[:strings.IndexByte(s, '.')]
	}
	return s
}

// CanonicalUnitType is the unit type label the normalizer assigns to raw.
func CanonicalUnitType(raw string) string {
	return cleanUnitType(raw)
}

// cleanUnitType folds bedroom style labels ("2 bed", "2br") into "2BR".
func cleanUnitType(raw string) string {
	s := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "studio"), s == "0br", s == "efficiency":
		return "Studio"
	}
	if m := bedroomLabel.FindStringSubmatch(s); m != nil {
		if m[1] == "0" {
			return "Studio"
		}
		return m[1] + "BR"
	}
	return strings.ToUpper(s)
}

// unitTypeFor infers a type from bedrooms, then from square footage.
func unitTypeFor(bedrooms *int, sqft *decimal.Decimal) string {
	if bedrooms != nil {
		if *bedrooms == 0 {
			return "Studio"
		}
		return fmt.Sprintf("%dBR", *bedrooms)
	}
	if sqft != nil && sqft.IsPositive() {
		switch {
		case sqft.LessThan(decimal.NewFromInt(500)):
			return "Studio"
		case sqft.LessThan(decimal.NewFromInt(800)):
			return "1BR"
		case sqft.LessThan(decimal.NewFromInt(1200)):
			return "2BR"
		case sqft.LessThan(decimal.NewFromInt(1600)):
			return "3BR"
		default:
			return "4BR+"
		}
	}
	return "Unknown"
}

// parseOccupancy maps free-text status values. ok is false for values that
// match no known spelling.
func parseOccupancy(raw string) (string, bool) {
	switch strings.ToLower(strings.Join(strings.Fields(raw), " ")) {
	case "occupied", "occ", "o", "current", "leased", "rented", "in place":
		return "occupied", true
	case "vacant", "vac", "v", "available", "unleased", "empty", "model", "down", "vacant unrented":
		return "vacant", true
	case "notice", "ntv", "n", "notice to vacate", "on notice", "notice given", "vacating":
		return "notice", true
	}
	return "", false
}
