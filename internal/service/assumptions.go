package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/engine"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository"
)

// AssumptionsService keeps the per-deal rent roll assumptions and feeds them
// to valuation runs as defaults.
type AssumptionsService struct {
	Deals  repository.DealRepository
	Repo   repository.AssumptionsRepository
	Audit  *audit.Recorder
	Logger *zap.Logger
}

// UpdateAssumptionsInput carries only the fields being changed.
type UpdateAssumptionsInput struct {
	ProFormaRents        map[string]decimal.Decimal
	MarketRentGrowth     *decimal.Decimal
	VacancyRate          *decimal.Decimal
	TurnoverRate         *decimal.Decimal
	AvgLeaseTermMonths   *int
	LeaseRenewalRate     *decimal.Decimal
	MarketingCostPerUnit *decimal.Decimal
	TurnoverCostPerUnit  *decimal.Decimal
}

// Get returns the stored assumptions, or the defaults with Stored unset.
func (s *AssumptionsService) Get(ctx context.Context, dealID uint64) (*models.RentRollAssumptions, error) {
	const op = "service.GetAssumptions"
	if err := s.requireDeal(ctx, op, dealID); err != nil {
		return nil, err
	}
	stored, err := s.Repo.GetRentRollAssumptions(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}
	def := models.DefaultRentRollAssumptions(dealID)
	return &def, nil
}

func (s *AssumptionsService) Update(ctx context.Context, dealID uint64, in UpdateAssumptionsInput) (*models.RentRollAssumptions, error) {
	const op = "service.UpdateAssumptions"
	if err := validateAssumptions(op, in); err != nil {
		return nil, err
	}
	cur, err := s.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	next := *cur
	changed := make([]string, 0, 8)
	set := func(name string, dst *decimal.Decimal, v *decimal.Decimal) {
		if v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	set("market_rent_growth", &next.MarketRentGrowth, in.MarketRentGrowth)
	set("vacancy_rate", &next.VacancyRate, in.VacancyRate)
	set("turnover_rate", &next.TurnoverRate, in.TurnoverRate)
	set("lease_renewal_rate", &next.LeaseRenewalRate, in.LeaseRenewalRate)
	set("marketing_cost_per_unit", &next.MarketingCostPerUnit, in.MarketingCostPerUnit)
	set("turnover_cost_per_unit", &next.TurnoverCostPerUnit, in.TurnoverCostPerUnit)
	if in.AvgLeaseTermMonths != nil {
		next.AvgLeaseTermMonths = *in.AvgLeaseTermMonths
		changed = append(changed, "avg_lease_term_months")
	}
	if in.ProFormaRents != nil {
		next.ProFormaRents = proFormaRents(in.ProFormaRents)
		changed = append(changed, "pro_forma_rents")
	}

	if err := s.Repo.UpsertRentRollAssumptions(ctx, &next); err != nil {
		if errors.Is(err, repository.ErrForeignKey) {
			return nil, apperr.NotFound(op, "deal %d", dealID)
		}
		return nil, fmt.Errorf("upsert assumptions: %w", err)
	}
	s.log().Info("rent roll assumptions updated", zap.Uint64("deal_id", dealID), zap.Strings("fields", changed))
	s.Audit.Record(ctx, dealID, models.AuditAssumptionsUpdated,
		"rent roll assumptions updated",
		map[string]any{"fields": changed},
	)
	return &next, nil
}

// RunAssumptions returns the stored values a valuation run should default to.
// A deal without stored assumptions contributes nothing.
func (s *AssumptionsService) RunAssumptions(ctx context.Context, dealID uint64) (engine.Assumptions, error) {
	stored, err := s.Repo.GetRentRollAssumptions(ctx, dealID)
	if err != nil || stored == nil {
		return engine.Assumptions{}, err
	}
	growth := stored.MarketRentGrowth
	vacancy := stored.VacancyRate
	out := engine.Assumptions{RentGrowth: &growth, VacancyRate: &vacancy}
	if len(stored.ProFormaRents) > 0 {
		out.ProFormaRents = make(map[string]decimal.Decimal, len(stored.ProFormaRents))
		for _, r := range stored.ProFormaRents {
			out.ProFormaRents[r.UnitType] = r.Rent
		}
	}
	return out, nil
}

func validateAssumptions(op string, in UpdateAssumptionsInput) error {
	one := decimal.NewFromInt(1)
	rates := []struct {
		name string
		v    *decimal.Decimal
	}{
		{"market_rent_growth", in.MarketRentGrowth},
		{"vacancy_rate", in.VacancyRate},
		{"turnover_rate", in.TurnoverRate},
		{"lease_renewal_rate", in.LeaseRenewalRate},
	}
	for _, r := range rates {
		if r.v != nil && (r.v.IsNegative() || r.v.GreaterThan(one)) {
			return apperr.InvalidInput(op, "%s must be within [0, 1]", r.name)
		}
	}
	if in.VacancyRate != nil && in.VacancyRate.Equal(one) {
		return apperr.InvalidInput(op, "vacancy_rate must be below 1")
	}
	for name, v := range map[string]*decimal.Decimal{
		"marketing_cost_per_unit": in.MarketingCostPerUnit,
		"turnover_cost_per_unit":  in.TurnoverCostPerUnit,
	} {
		if v != nil && v.IsNegative() {
			return apperr.InvalidInput(op, "%s must not be negative", name)
		}
	}
	if in.AvgLeaseTermMonths != nil && (*in.AvgLeaseTermMonths < 1 || *in.AvgLeaseTermMonths > 120) {
		return apperr.InvalidInput(op, "avg_lease_term_months must be within [1, 120]")
	}
	for unitType, rent := range in.ProFormaRents {
		if strings.TrimSpace(unitType) == "" {
			return apperr.InvalidInput(op, "pro forma rent needs a unit type")
		}
		if rent.IsNegative() {
			return apperr.InvalidInput(op, "pro forma rent for %s must not be negative", unitType)
		}
	}
	return nil
}

// proFormaRents keys rents by the unit type labels snapshots use, so "2 Bed"
// and "2BR" land on the same bucket.
func proFormaRents(in map[string]decimal.Decimal) []models.ProFormaRent {
	byType := make(map[string]decimal.Decimal, len(in))
	for raw, rent := range in {
		byType[normalizer.CanonicalUnitType(raw)] = rent.Round(2)
	}
	out := make([]models.ProFormaRent, 0, len(byType))
	for t, rent := range byType {
		out = append(out, models.ProFormaRent{UnitType: t, Rent: rent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitType < out[j].UnitType })
	return out
}

func (s *AssumptionsService) requireDeal(ctx context.Context, op string, dealID uint64) error {
	deal, err := s.Deals.GetDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal == nil {
		return apperr.NotFound(op, "deal %d", dealID)
	}
	return nil
}

func (s *AssumptionsService) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}
