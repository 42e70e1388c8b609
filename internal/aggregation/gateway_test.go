package aggregation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"dealbase/internal/apperr"
	"dealbase/internal/cache"
	"dealbase/internal/dealstate"
	"dealbase/internal/engine"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository/memory"
	"dealbase/internal/valuation"
)

type nopEngine struct{}

func (nopEngine) Submit(context.Context, engine.ComputeRequest) error { return nil }
func (nopEngine) Status(context.Context, string) (engine.StatusUpdate, error) {
	return engine.StatusUpdate{}, apperr.NotFound("nop", "unknown")
}

type countingSnapshots struct {
	SnapshotReader
	reads atomic.Int64
}

func (c *countingSnapshots) SnapshotAt(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error) {
	c.reads.Add(1)
	return c.SnapshotReader.SnapshotAt(ctx, dealID, version)
}

type brokenRuns struct{}

func (brokenRuns) LatestRun(context.Context, uint64) (*models.ValuationRun, error) {
	return nil, apperr.Upstream("runs", errors.New("connection refused"))
}

type brokenVersions struct{ SnapshotReader }

func (brokenVersions) CurrentVersion(context.Context, uint64) (int64, error) {
	return 0, errors.New("storage timeout")
}

type env struct {
	repo    *memory.Store
	states  *dealstate.Store
	runs    *valuation.Manager
	snaps   *countingSnapshots
	gateway *Gateway
	dealID  uint64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := memory.New()
	deal := &models.Deal{Name: "Birch Row", Slug: "birch-row"}
	if err := repo.CreateDeal(context.Background(), deal); err != nil {
		t.Fatalf("CreateDeal err=%v", err)
	}
	states := &dealstate.Store{Repo: repo}
	runs := &valuation.Manager{Repo: repo, Snapshots: states, Engine: nopEngine{}}
	snaps := &countingSnapshots{SnapshotReader: states}
	return &env{
		repo:    repo,
		states:  states,
		runs:    runs,
		snaps:   snaps,
		gateway: &Gateway{Deals: repo, Snapshots: snaps, Runs: runs, Cache: cache.NewMemoryStore()},
		dealID:  deal.ID,
	}
}

func (e *env) publish(t *testing.T, units ...models.RentRollUnit) int64 {
	t.Helper()
	v, err := e.states.PublishSnapshot(context.Background(), e.dealID, &normalizer.Result{Units: units, SourceDocuments: []uint64{1}})
	if err != nil {
		t.Fatalf("publish err=%v", err)
	}
	return v
}

func unit(id, occ string, rent int64) models.RentRollUnit {
	return models.RentRollUnit{UnitID: id, UnitType: "2BR", CurrentRent: decimal.NewFromInt(rent), Occupancy: occ}
}

func TestDealViewUnknownDeal(t *testing.T) {
	e := newEnv(t)
	if _, err := e.gateway.DealView(context.Background(), 77); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
}

func TestDealViewWithoutSnapshot(t *testing.T) {
	e := newEnv(t)
	view, err := e.gateway.DealView(context.Background(), e.dealID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if view.Snapshot != nil || len(view.UnitMix) != 0 || view.Degraded || view.LatestRun != nil {
		t.Fatalf("view=%+v", view)
	}
}

func TestDealViewSummary(t *testing.T) {
	e := newEnv(t)
	e.publish(t,
		unit("1", models.OccupancyOccupied, 1000),
		unit("2", models.OccupancyNotice, 1100),
		unit("3", models.OccupancyVacant, 0),
		unit("4", models.OccupancyOccupied, 1300),
	)
	view, err := e.gateway.DealView(context.Background(), e.dealID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	s := view.Summary
	if s.TotalUnits != 4 || s.Occupied != 2 || s.Notice != 1 || s.Vacant != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if !s.OccupancyRate.Equal(decimal.RequireFromString("0.75")) || !s.TotalMonthlyRent.Equal(decimal.NewFromInt(3400)) {
		t.Fatalf("rate=%s total=%s", s.OccupancyRate, s.TotalMonthlyRent)
	}
	if !s.AverageRent.Equal(decimal.NewFromInt(850)) {
		t.Fatalf("average=%s want=850", s.AverageRent)
	}
}

func TestDealViewCachedUntilSomethingChanges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.publish(t, unit("1", models.OccupancyOccupied, 1000))

	first, _ := e.gateway.DealView(ctx, e.dealID)
	second, _ := e.gateway.DealView(ctx, e.dealID)
	if e.snaps.reads.Load() != 1 {
		t.Fatalf("snapshot reads=%d want=1", e.snaps.reads.Load())
	}
	if first.Snapshot.Checksum != second.Snapshot.Checksum {
		t.Fatalf("cached view differs")
	}

	e.publish(t, unit("1", models.OccupancyOccupied, 1000), unit("2", models.OccupancyOccupied, 1200))
	third, _ := e.gateway.DealView(ctx, e.dealID)
	if third.Snapshot.Version != 2 || third.Summary.TotalUnits != 2 {
		t.Fatalf("stale view after publish: v%d", third.Snapshot.Version)
	}

	run, err := e.runs.Submit(ctx, e.dealID, valuation.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit err=%v", err)
	}
	fourth, _ := e.gateway.DealView(ctx, e.dealID)
	if fourth.LatestRun == nil || fourth.LatestRun.Status != models.RunStatusQueued {
		t.Fatalf("latest run missing after submit")
	}
	_ = e.runs.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "completed"})
	fifth, _ := e.gateway.DealView(ctx, e.dealID)
	if fifth.LatestRun.Status != models.RunStatusCompleted {
		t.Fatalf("latest run status=%s want completed", fifth.LatestRun.Status)
	}
}

func TestDealViewDegradesWhenValuationUnavailable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.publish(t, unit("1", models.OccupancyOccupied, 1000))
	e.gateway.Runs = brokenRuns{}

	view, err := e.gateway.DealView(ctx, e.dealID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !view.Degraded || len(view.DegradedReasons) != 1 || view.DegradedReasons[0] != ReasonValuationUnavailable {
		t.Fatalf("view degraded=%v reasons=%v", view.Degraded, view.DegradedReasons)
	}
	if view.Snapshot == nil || view.LatestRun != nil {
		t.Fatalf("snapshot part lost: %+v", view)
	}
	_, _ = e.gateway.DealView(ctx, e.dealID)
	if e.snaps.reads.Load() != 2 {
		t.Fatalf("degraded view was cached: reads=%d", e.snaps.reads.Load())
	}
}

func TestDealViewDegradesWhenSnapshotUnavailable(t *testing.T) {
	e := newEnv(t)
	e.publish(t, unit("1", models.OccupancyOccupied, 1000))
	e.gateway.Snapshots = brokenVersions{e.states}

	view, err := e.gateway.DealView(context.Background(), e.dealID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !view.Degraded || view.DegradedReasons[0] != ReasonSnapshotUnavailable || view.Snapshot != nil {
		t.Fatalf("view=%+v", view)
	}
}

func TestDealViewShowsFailedRunAndStaleness(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.publish(t, unit("1", models.OccupancyOccupied, 1000))
	run, _ := e.runs.Submit(ctx, e.dealID, valuation.SubmitOptions{})
	e.publish(t, unit("1", models.OccupancyOccupied, 1050))
	_ = e.runs.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "failed", Error: "engine timeout"})

	view, err := e.gateway.DealView(ctx, e.dealID)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if view.Snapshot == nil || view.Snapshot.Version != 2 {
		t.Fatalf("snapshot missing from view")
	}
	if view.LatestRun == nil || view.LatestRun.Status != models.RunStatusFailed || *view.LatestRun.Error != "engine timeout" {
		t.Fatalf("latest run=%+v", view.LatestRun)
	}
	if !view.LatestRunStale || view.Degraded {
		t.Fatalf("stale=%v degraded=%v", view.LatestRunStale, view.Degraded)
	}
}

func TestDealViewCloneSharesNoSlices(t *testing.T) {
	orig := &DealView{
		Snapshot: &models.FinancialSnapshot{
			Version: 2,
			Units:   []models.RentRollUnit{{UnitID: "101", UnitType: "1BR"}},
			UnitMix: []models.UnitMixBucket{{UnitType: "1BR", Count: 1}},
		},
		UnitMix:         []models.UnitMixBucket{{UnitType: "1BR", Count: 1}},
		LatestRun:       &models.ValuationRun{ID: "run-1", Results: []byte(`{"noi":"1"}`)},
		DegradedReasons: []string{ReasonValuationUnavailable},
	}
	cp := orig.clone()
	cp.UnitMix[0].Count = 99
	cp.Snapshot.Units[0].UnitID = "999"
	cp.Snapshot.UnitMix[0].Count = 99
	cp.LatestRun.Results[2] = 'X'
	cp.DegradedReasons[0] = "changed"

	if orig.UnitMix[0].Count != 1 || orig.Snapshot.UnitMix[0].Count != 1 {
		t.Fatalf("unit mix shared: %+v", orig.UnitMix)
	}
	if orig.Snapshot.Units[0].UnitID != "101" {
		t.Fatalf("units shared")
	}
	if string(orig.LatestRun.Results) != `{"noi":"1"}` {
		t.Fatalf("results shared: %s", orig.LatestRun.Results)
	}
	if orig.DegradedReasons[0] != ReasonValuationUnavailable {
		t.Fatalf("reasons shared")
	}
}
