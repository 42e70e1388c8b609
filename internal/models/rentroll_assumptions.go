package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ProFormaRent struct {
	UnitType string          `json:"unit_type"`
	Rent     decimal.Decimal `json:"rent"`
}

// RentRollAssumptions are the per-deal underwriting inputs that seed every
// valuation run submitted without its own values.
type RentRollAssumptions struct {
	DealID               uint64                            `gorm:"primaryKey" json:"deal_id"`
	ProFormaRents        datatypes.JSONSlice[ProFormaRent] `gorm:"type:jsonb" json:"pro_forma_rents"`
	MarketRentGrowth     decimal.Decimal                   `gorm:"type:numeric(10,6);not null" json:"market_rent_growth"`
	VacancyRate          decimal.Decimal                   `gorm:"type:numeric(10,6);not null" json:"vacancy_rate"`
	TurnoverRate         decimal.Decimal                   `gorm:"type:numeric(10,6);not null" json:"turnover_rate"`
	AvgLeaseTermMonths   int                               `gorm:"not null" json:"avg_lease_term_months"`
	LeaseRenewalRate     decimal.Decimal                   `gorm:"type:numeric(10,6);not null" json:"lease_renewal_rate"`
	MarketingCostPerUnit decimal.Decimal                   `gorm:"type:numeric(14,2);not null" json:"marketing_cost_per_unit"`
	TurnoverCostPerUnit  decimal.Decimal                   `gorm:"type:numeric(14,2);not null" json:"turnover_cost_per_unit"`
	Stored               bool                              `gorm:"-" json:"stored"`
	CreatedAt            time.Time                         `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time                         `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (RentRollAssumptions) TableName() string {
	return "rentroll_assumptions"
}

// DefaultRentRollAssumptions returns the values a deal starts with.
func DefaultRentRollAssumptions(dealID uint64) RentRollAssumptions {
	return RentRollAssumptions{
		DealID:               dealID,
		ProFormaRents:        datatypes.JSONSlice[ProFormaRent]{},
		MarketRentGrowth:     decimal.RequireFromString("0.03"),
		VacancyRate:          decimal.RequireFromString("0.05"),
		TurnoverRate:         decimal.RequireFromString("0.20"),
		AvgLeaseTermMonths:   12,
		LeaseRenewalRate:     decimal.RequireFromString("0.70"),
		MarketingCostPerUnit: decimal.NewFromInt(500),
		TurnoverCostPerUnit:  decimal.NewFromInt(2000),
	}
}
