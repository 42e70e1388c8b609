package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"dealbase/internal/models"
)

var (
	defaultPurchasePrice = decimal.NewFromInt(1_000_000)
	defaultLoanAmount    = decimal.NewFromInt(800_000)
	defaultInterestRate  = decimal.RequireFromString("0.05")
	defaultExitCapRate   = decimal.RequireFromString("0.05")
	defaultExpenseRatio  = decimal.RequireFromString("0.40")
	defaultHoldYears     = 5

	twelve = decimal.NewFromInt(12)
)

// Resolved fills every unset assumption with its default.
func (a Assumptions) Resolved() Assumptions {
	pick := func(v *decimal.Decimal, def decimal.Decimal) *decimal.Decimal {
		if v != nil {
			return v
		}
		d := def
		return &d
	}
	out := Assumptions{
		PurchasePrice: pick(a.PurchasePrice, defaultPurchasePrice),
		LoanAmount:    pick(a.LoanAmount, defaultLoanAmount),
		InterestRate:  pick(a.InterestRate, defaultInterestRate),
		ExitCapRate:   pick(a.ExitCapRate, defaultExitCapRate),
		ExpenseRatio:  pick(a.ExpenseRatio, defaultExpenseRatio),
		RentGrowth:    pick(a.RentGrowth, decimal.Zero),
		VacancyRate:   a.VacancyRate,
		HoldYears:     a.HoldYears,
		ProFormaRents: a.ProFormaRents,
	}
	if out.HoldYears == nil {
		h := defaultHoldYears
		out.HoldYears = &h
	}
	return out
}

func (a Assumptions) validate() error {
	switch {
	case !a.PurchasePrice.IsPositive():
		return errors.New("purchase_price must be positive")
	case a.LoanAmount.IsNegative():
		return errors.New("loan_amount must not be negative")
	case a.LoanAmount.GreaterThanOrEqual(*a.PurchasePrice):
		return errors.New("loan_amount must be below purchase_price")
	case a.InterestRate.IsNegative():
		return errors.New("interest_rate must not be negative")
	case !a.ExitCapRate.IsPositive():
		return errors.New("exit_cap_rate must be positive")
	case a.ExpenseRatio.IsNegative() || a.ExpenseRatio.GreaterThan(decimal.NewFromInt(1)):
		return errors.New("expense_ratio must be within [0, 1]")
	case *a.HoldYears < 1 || *a.HoldYears > 50:
		return errors.New("hold_years must be within [1, 50]")
	case a.VacancyRate != nil && (a.VacancyRate.IsNegative() || a.VacancyRate.GreaterThanOrEqual(decimal.NewFromInt(1))):
		return errors.New("vacancy_rate must be within [0, 1)")
	}
	for unitType, rent := range a.ProFormaRents {
		if rent.IsNegative() {
			return fmt.Errorf("pro forma rent for %s must not be negative", unitType)
		}
	}
	return nil
}

// ComputeKPIs derives underwriting KPIs from a rent roll. Income is annual;
// debt is interest only; the exit sells at the final year's NOI over the exit
// cap rate and repays the loan.
func ComputeKPIs(units []models.RentRollUnit, raw Assumptions) (Results, error) {
	a := raw.Resolved()
	if err := a.validate(); err != nil {
		return Results{}, err
	}

	var potential, inPlace decimal.Decimal
	occupied := 0
	for _, u := range units {
		rent := u.MarketRent
		if pf, ok := a.ProFormaRents[u.UnitType]; ok && pf.IsPositive() {
			rent = pf
		}
		if !rent.IsPositive() {
			rent = u.CurrentRent
		}
		potential = potential.Add(rent)
		if u.Occupancy != models.OccupancyVacant {
			inPlace = inPlace.Add(u.CurrentRent)
			occupied++
		}
	}
	gpr := potential.Mul(twelve)
	egi := inPlace.Mul(twelve)
	if a.VacancyRate != nil {
		if ceiling := gpr.Mul(decimal.NewFromInt(1).Sub(*a.VacancyRate)); egi.GreaterThan(ceiling) {
			egi = ceiling
		}
	}
	vacancy := gpr.Sub(egi)
	if vacancy.IsNegative() {
		vacancy = decimal.Zero
	}
	opex := egi.Mul(*a.ExpenseRatio)
	noi := egi.Sub(opex)
	debtService := a.LoanAmount.Mul(*a.InterestRate)
	equity := a.PurchasePrice.Sub(*a.LoanAmount)

	res := Results{
		UnitCount:            len(units),
		GrossPotentialRent:   gpr.Round(2),
		VacancyLoss:          vacancy.Round(2),
		EffectiveGrossIncome: egi.Round(2),
		OperatingExpenses:    opex.Round(2),
		NOI:                  noi.Round(2),
		CapRate:              noi.Div(*a.PurchasePrice).Round(4),
		LTV:                  a.LoanAmount.Div(*a.PurchasePrice).Round(4),
		AnnualDebtService:    debtService.Round(2),
	}
	if len(units) > 0 {
		res.OccupancyRate = decimal.NewFromInt(int64(occupied)).Div(decimal.NewFromInt(int64(len(units)))).Round(4)
	}
	if debtService.IsPositive() {
		res.DSCR = noi.Div(debtService).Round(4)
	}

	flows := cashFlows(noi, debtService, equity, a)
	var distributed float64
	for _, f := range flows[1:] {
		distributed += f
	}
	res.EquityMultiple = decimal.NewFromFloat(distributed / flows[0] * -1).Round(4)
	if irr, ok := irrBisect(flows); ok {
		res.IRR = decimal.NewFromFloat(irr).Round(4)
	}
	return res, nil
}

func cashFlows(noi, debtService, equity decimal.Decimal, a Assumptions) []float64 {
	hold := *a.HoldYears
	growth := a.RentGrowth.InexactFloat64()
	base := noi.InexactFloat64()
	ds := debtService.InexactFloat64()

	flows := make([]float64, hold+1)
	flows[0] = -equity.InexactFloat64()
	year := base
	for t := 1; t <= hold; t++ {
		if t > 1 {
			year *= 1 + growth
		}
		flows[t] = year - ds
	}
	exit := year / a.ExitCapRate.InexactFloat64()
	flows[hold] += exit - a.LoanAmount.InexactFloat64()
	return flows
}

func npv(rate float64, flows []float64) float64 {
	var total float64
	for t, f := range flows {
		total += f / math.Pow(1+rate, float64(t))
	}
	return total
}

// irrBisect finds the rate where NPV crosses zero. It reports false when the
// flows never change sign inside the search window.
func irrBisect(flows []float64) (float64, bool) {
	lo, hi := -0.99, 10.0
	fLo, fHi := npv(lo, flows), npv(hi, flows)
	if math.IsNaN(fLo) || math.IsNaN(fHi) || fLo*fHi > 0 {
		return 0, false
	}
	for i := 0; i < 200; i++ {
		mid := (lo + hi) / 2
		fMid := npv(mid, flows)
		if math.Abs(fMid) < 1e-9 || hi-lo < 1e-12 {
			return mid, true
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo, fLo = mid, fMid
		}
	}
	return (lo + hi) / 2, true
}
