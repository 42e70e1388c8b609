package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"dealbase/internal/models"
)

type bucketAcc struct {
	bucket      models.UnitMixBucket
	marketTotal decimal.Decimal
	sqftTotal   decimal.Decimal
	sqftCount   int64
}

// DeriveUnitMix groups units by type. Bucket counts always add up to len(units).
func DeriveUnitMix(units []models.RentRollUnit) []models.UnitMixBucket {
	accs := make(map[string]*bucketAcc)
	for _, u := range units {
		acc, ok := accs[u.UnitType]
		if !ok {
			acc = &bucketAcc{bucket: models.UnitMixBucket{UnitType: u.UnitType}}
			accs[u.UnitType] = acc
		}
		b := &acc.bucket
		b.Count++
		switch u.Occupancy {
		case models.OccupancyOccupied:
			b.Occupied++
		case models.OccupancyNotice:
			b.Notice++
		default:
			b.Vacant++
		}
		b.TotalRent = b.TotalRent.Add(u.CurrentRent)
		acc.marketTotal = acc.marketTotal.Add(u.MarketRent)
		if u.SquareFeet != nil {
			acc.sqftTotal = acc.sqftTotal.Add(*u.SquareFeet)
			acc.sqftCount++
		}
	}

	out := make([]models.UnitMixBucket, 0, len(accs))
	for _, acc := range accs {
		b := acc.bucket
		n := decimal.NewFromInt(int64(b.Count))
		b.AverageRent = b.TotalRent.Div(n).Round(2)
		b.AverageMarketRent = acc.marketTotal.Div(n).Round(2)
		if acc.sqftCount > 0 {
			b.AverageSquareFeet = acc.sqftTotal.Div(decimal.NewFromInt(acc.sqftCount)).Round(2)
		}
		b.TotalRent = b.TotalRent.Round(2)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitType < out[j].UnitType })
	return out
}

// TotalRent sums current monthly rent over units.
func TotalRent(units []models.RentRollUnit) decimal.Decimal {
	total := decimal.Zero
	for _, u := range units {
		total = total.Add(u.CurrentRent)
	}
	return total.Round(2)
}

// Checksum hashes the canonical encoding of the unit set and its buckets.
func Checksum(units []models.RentRollUnit, mix []models.UnitMixBucket) string {
	payload, err := json.Marshal(struct {
		Units   []models.RentRollUnit  `json:"units"`
		UnitMix []models.UnitMixBucket `json:"unit_mix"`
	}{Units: units, UnitMix: mix})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
