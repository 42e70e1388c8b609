// Package aggregation serves the combined deal view read by the presentation
// layer. It tolerates partial failure: a missing valuation or snapshot part
// degrades the view instead of failing it.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"dealbase/internal/apperr"
	"dealbase/internal/cache"
	"dealbase/internal/logger"
	"dealbase/internal/models"
)

const (
	ReasonValuationUnavailable = "valuation_unavailable"
	ReasonSnapshotUnavailable  = "snapshot_unavailable"

	defaultTTL = 5 * time.Minute
)

type DealReader interface {
	GetDealByID(ctx context.Context, id uint64) (*models.Deal, error)
}

type SnapshotReader interface {
	CurrentVersion(ctx context.Context, dealID uint64) (int64, error)
	SnapshotAt(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error)
}

type RunReader interface {
	LatestRun(ctx context.Context, dealID uint64) (*models.ValuationRun, error)
}

type UnitMixSummary struct {
	TotalUnits       int             `json:"total_units"`
	Occupied         int             `json:"occupied"`
	Vacant           int             `json:"vacant"`
	Notice           int             `json:"notice"`
	OccupancyRate    decimal.Decimal `json:"occupancy_rate"`
	TotalMonthlyRent decimal.Decimal `json:"total_monthly_rent"`
	AverageRent      decimal.Decimal `json:"average_rent"`
}

type DealView struct {
	Deal            models.Deal               `json:"deal"`
	Snapshot        *models.FinancialSnapshot `json:"snapshot"`
	UnitMix         []models.UnitMixBucket    `json:"unit_mix"`
	Summary         UnitMixSummary            `json:"summary"`
	LatestRun       *models.ValuationRun      `json:"latest_run"`
	LatestRunStale  bool                      `json:"latest_run_stale"`
	Degraded        bool                      `json:"degraded"`
	DegradedReasons []string                  `json:"degraded_reasons,omitempty"`
}

func (v *DealView) degrade(reason string) {
	v.Degraded = true
	v.DegradedReasons = append(v.DegradedReasons, reason)
}

// clone copies every slice a caller could mutate so that callers sharing one
// singleflight load do not share backing arrays.
func (v *DealView) clone() *DealView {
	out := *v
	out.UnitMix = append([]models.UnitMixBucket{}, v.UnitMix...)
	out.DegradedReasons = append([]string(nil), v.DegradedReasons...)
	if v.Snapshot != nil {
		snap := *v.Snapshot
		snap.Units = append(datatypes.JSONSlice[models.RentRollUnit]{}, v.Snapshot.Units...)
		snap.UnitMix = append(datatypes.JSONSlice[models.UnitMixBucket]{}, v.Snapshot.UnitMix...)
		snap.SourceDocuments = append(datatypes.JSONSlice[uint64]{}, v.Snapshot.SourceDocuments...)
		snap.Warnings = append(datatypes.JSONSlice[models.NormalizationWarning]{}, v.Snapshot.Warnings...)
		out.Snapshot = &snap
	}
	if v.LatestRun != nil {
		run := *v.LatestRun
		run.Assumptions = append(datatypes.JSON(nil), v.LatestRun.Assumptions...)
		run.Results = append(datatypes.JSON(nil), v.LatestRun.Results...)
		out.LatestRun = &run
	}
	return &out
}

type Gateway struct {
	Deals     DealReader
	Snapshots SnapshotReader
	Runs      RunReader
	Cache     cache.Store
	TTL       time.Duration
	Logger    *zap.Logger

	group singleflight.Group
}

// DealView returns the deal with its current snapshot and latest run.
func (g *Gateway) DealView(ctx context.Context, dealID uint64) (*DealView, error) {
	deal, err := g.Deals.GetDealByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound("aggregation.DealView", "deal %d", dealID)
	}

	var (
		version int64
		verErr  error
		run     *models.ValuationRun
		runErr  error
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		version, verErr = g.Snapshots.CurrentVersion(ectx, dealID)
		if errors.Is(verErr, apperr.ErrNotFound) {
			version, verErr = 0, nil
		}
		return nil
	})
	eg.Go(func() error {
		run, runErr = g.Runs.LatestRun(ectx, dealID)
		if errors.Is(runErr, apperr.ErrNotFound) {
			run, runErr = nil, nil
		}
		return nil
	})
	_ = eg.Wait()

	if verErr != nil || runErr != nil || g.Cache == nil {
		return g.assemble(ctx, deal, version, verErr, run, runErr), nil
	}

	key := viewKey(deal, version, run)
	if view, ok := g.cached(ctx, key); ok {
		return view, nil
	}
	res, _, _ := g.group.Do(key, func() (any, error) {
		view := g.assemble(context.WithoutCancel(ctx), deal, version, nil, run, nil)
		if !view.Degraded {
			g.store(ctx, key, view)
		}
		return view, nil
	})
	return res.(*DealView).clone(), nil
}

func (g *Gateway) assemble(ctx context.Context, deal *models.Deal, version int64, verErr error, run *models.ValuationRun, runErr error) *DealView {
	view := &DealView{Deal: *deal, UnitMix: []models.UnitMixBucket{}}

	switch {
	case verErr != nil:
		g.log().Warn("deal view snapshot unavailable", zap.Uint64("deal_id", deal.ID), zap.Error(verErr))
		view.degrade(ReasonSnapshotUnavailable)
	case version > 0:
		snap, err := g.Snapshots.SnapshotAt(ctx, deal.ID, version)
		if err != nil {
			g.log().Warn("deal view snapshot unavailable", zap.Uint64("deal_id", deal.ID), zap.Int64("version", version), zap.Error(err))
			view.degrade(ReasonSnapshotUnavailable)
			break
		}
		view.Snapshot = snap
		if snap.UnitMix != nil {
			view.UnitMix = snap.UnitMix
		}
		view.Summary = Summarize(view.UnitMix)
	}

	if runErr != nil {
		g.log().Warn("deal view valuation unavailable", zap.Uint64("deal_id", deal.ID), zap.Error(runErr))
		view.degrade(ReasonValuationUnavailable)
	} else {
		view.LatestRun = run
		view.LatestRunStale = run != nil && verErr == nil && version > run.SnapshotVersion
	}
	return view
}

// Summarize folds unit mix buckets into portfolio totals.
func Summarize(mix []models.UnitMixBucket) UnitMixSummary {
	var s UnitMixSummary
	for _, b := range mix {
		s.TotalUnits += b.Count
		s.Occupied += b.Occupied
		s.Vacant += b.Vacant
		s.Notice += b.Notice
		s.TotalMonthlyRent = s.TotalMonthlyRent.Add(b.TotalRent)
	}
	if s.TotalUnits > 0 {
		total := decimal.NewFromInt(int64(s.TotalUnits))
		s.OccupancyRate = decimal.NewFromInt(int64(s.Occupied + s.Notice)).Div(total).Round(4)
		s.AverageRent = s.TotalMonthlyRent.Div(total).Round(2)
	}
	return s
}

// viewKey changes whenever the snapshot pointer, the latest run or the deal
// itself changes.
func viewKey(deal *models.Deal, version int64, run *models.ValuationRun) string {
	runID, runStatus := "none", "none"
	if run != nil {
		runID, runStatus = run.ID, run.Status
	}
	return fmt.Sprintf("dealview:%d:%d:%s:%s:%d", deal.ID, version, runID, runStatus, deal.UpdatedAt.UnixNano())
}

func (g *Gateway) cached(ctx context.Context, key string) (*DealView, bool) {
	raw, found, err := g.Cache.Get(ctx, key)
	if err != nil {
		g.log().Warn("deal view cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var view DealView
	if err := json.Unmarshal(raw, &view); err != nil {
		g.log().Warn("deal view cache entry unreadable", zap.String("key", key), zap.Error(err))
		_ = g.Cache.Delete(ctx, key)
		return nil, false
	}
	return &view, true
}

func (g *Gateway) store(ctx context.Context, key string, view *DealView) {
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := g.Cache.Set(context.WithoutCancel(ctx), key, raw, ttl); err != nil {
		g.log().Warn("deal view cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (g *Gateway) log() *zap.Logger {
	return logger.OrNop(g.Logger)
}
