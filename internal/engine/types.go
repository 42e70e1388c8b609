// Package engine talks to the valuation computation engine. The engine is a
// message-passing collaborator: work goes out through Submit and status comes
// back through a Reporter, whichever transport carries it.
package engine

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"dealbase/internal/models"
)

type Assumptions struct {
	PurchasePrice *decimal.Decimal `json:"purchase_price,omitempty"`
	LoanAmount    *decimal.Decimal `json:"loan_amount,omitempty"`
	InterestRate  *decimal.Decimal `json:"interest_rate,omitempty"`
	ExitCapRate   *decimal.Decimal `json:"exit_cap_rate,omitempty"`
	HoldYears     *int             `json:"hold_years,omitempty"`
	ExpenseRatio  *decimal.Decimal `json:"expense_ratio,omitempty"`
	RentGrowth    *decimal.Decimal `json:"rent_growth,omitempty"`
	// VacancyRate is an economic vacancy floor applied on top of the
	// physical vacancy of the rent roll.
	VacancyRate *decimal.Decimal `json:"vacancy_rate,omitempty"`
	// ProFormaRents override the potential rent of every unit of a type.
	ProFormaRents map[string]decimal.Decimal `json:"pro_forma_rents,omitempty"`
}

// WithDefaults fills every field a leaves unset from base.
func (a Assumptions) WithDefaults(base Assumptions) Assumptions {
	fill := func(v, def *decimal.Decimal) *decimal.Decimal {
		if v != nil {
			return v
		}
		return def
	}
	out := a
	out.PurchasePrice = fill(a.PurchasePrice, base.PurchasePrice)
	out.LoanAmount = fill(a.LoanAmount, base.LoanAmount)
	out.InterestRate = fill(a.InterestRate, base.InterestRate)
	out.ExitCapRate = fill(a.ExitCapRate, base.ExitCapRate)
	out.ExpenseRatio = fill(a.ExpenseRatio, base.ExpenseRatio)
	out.RentGrowth = fill(a.RentGrowth, base.RentGrowth)
	out.VacancyRate = fill(a.VacancyRate, base.VacancyRate)
	if out.HoldYears == nil {
		out.HoldYears = base.HoldYears
	}
	if len(out.ProFormaRents) == 0 && len(base.ProFormaRents) > 0 {
		out.ProFormaRents = base.ProFormaRents
	}
	return out
}

type ComputeRequest struct {
	DealID          uint64                 `json:"deal_id"`
	RunID           string                 `json:"run_id"`
	SnapshotVersion int64                  `json:"snapshot_version"`
	Units           []models.RentRollUnit  `json:"units"`
	UnitMix         []models.UnitMixBucket `json:"unit_mix"`
	Assumptions     Assumptions            `json:"assumptions"`
	CallbackURL     string                 `json:"callback_url,omitempty"`
}

// StatusUpdate is what the engine reports about a run. Status uses the run
// status vocabulary; Results is set only for completed runs and Error only
// for failed ones.
type StatusUpdate struct {
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Results struct {
	SnapshotVersion      int64           `json:"snapshot_version"`
	UnitCount            int             `json:"unit_count"`
	OccupancyRate        decimal.Decimal `json:"occupancy_rate"`
	GrossPotentialRent   decimal.Decimal `json:"gross_potential_rent"`
	VacancyLoss          decimal.Decimal `json:"vacancy_loss"`
	EffectiveGrossIncome decimal.Decimal `json:"egi"`
	OperatingExpenses    decimal.Decimal `json:"operating_expenses"`
	NOI                  decimal.Decimal `json:"noi"`
	CapRate              decimal.Decimal `json:"cap_rate"`
	LTV                  decimal.Decimal `json:"ltv"`
	AnnualDebtService    decimal.Decimal `json:"annual_debt_service"`
	DSCR                 decimal.Decimal `json:"dscr"`
	IRR                  decimal.Decimal `json:"irr"`
	EquityMultiple       decimal.Decimal `json:"equity_multiple"`
}

// Reporter receives status updates from any engine transport.
type Reporter interface {
	Apply(ctx context.Context, update StatusUpdate) error
}

type Engine interface {
	// Submit hands a run to the engine. It returns once the engine has
	// accepted the work, not when the work is done.
	Submit(ctx context.Context, req ComputeRequest) error
	Status(ctx context.Context, runID string) (StatusUpdate, error)
}
