package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/dealstate"
	"dealbase/internal/engine"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository/memory"
)

type fakeEngine struct {
	mu        sync.Mutex
	fail      bool
	submitted []engine.ComputeRequest
	statuses  map[string]engine.StatusUpdate
}

func (f *fakeEngine) Submit(_ context.Context, req engine.ComputeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.fail {
		return errors.New("engine down")
	}
	return nil
}

func (f *fakeEngine) Status(_ context.Context, runID string) (engine.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.statuses[runID]
	if !ok {
		return engine.StatusUpdate{}, apperr.NotFound("fake.Status", "run %s", runID)
	}
	return u, nil
}

func (f *fakeEngine) setStatus(u engine.StatusUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[string]engine.StatusUpdate{}
	}
	f.statuses[u.RunID] = u
}

type fixture struct {
	repo   *memory.Store
	states *dealstate.Store
	eng    *fakeEngine
	mgr    *Manager
	dealID uint64
}

func newFixture(t *testing.T, publish bool) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	deal := &models.Deal{Name: "Cedar Flats", Slug: "cedar-flats"}
	if err := repo.CreateDeal(ctx, deal); err != nil {
		t.Fatalf("CreateDeal err=%v", err)
	}
	rec := &audit.Recorder{Repo: repo}
	states := &dealstate.Store{Repo: repo, Audit: rec}
	eng := &fakeEngine{}
	f := &fixture{
		repo:   repo,
		states: states,
		eng:    eng,
		mgr:    &Manager{Repo: repo, Snapshots: states, Engine: eng, Audit: rec},
		dealID: deal.ID,
	}
	if publish {
		f.publish(t, 1250)
	}
	return f
}

func (f *fixture) publish(t *testing.T, rent int64) int64 {
	t.Helper()
	v, err := f.states.PublishSnapshot(context.Background(), f.dealID, &normalizer.Result{
		Units: []models.RentRollUnit{{
			UnitID:      "101",
			UnitType:    "1BR",
			CurrentRent: decimal.NewFromInt(rent),
			Occupancy:   models.OccupancyOccupied,
		}},
		SourceDocuments: []uint64{1},
	})
	if err != nil {
		t.Fatalf("publish err=%v", err)
	}
	return v
}

func TestSubmitWithoutSnapshot(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.mgr.Submit(context.Background(), f.dealID, SubmitOptions{})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
	if _, err := f.mgr.Submit(context.Background(), 404, SubmitOptions{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown deal err=%v", err)
	}
}

func TestSubmitDispatchesSnapshot(t *testing.T) {
	f := newFixture(t, true)
	run, err := f.mgr.Submit(context.Background(), f.dealID, SubmitOptions{Name: "base case"})
	if err != nil {
		t.Fatalf("submit err=%v", err)
	}
	if run.Status != models.RunStatusQueued || run.SnapshotVersion != 1 || run.Sequence != 1 {
		t.Fatalf("run=%+v", run)
	}
	if run.DispatchedAt == nil || run.DispatchAttempts != 1 {
		t.Fatalf("dispatch not recorded: %+v", run)
	}
	if len(f.eng.submitted) != 1 || f.eng.submitted[0].RunID != run.ID || len(f.eng.submitted[0].Units) != 1 {
		t.Fatalf("engine saw %+v", f.eng.submitted)
	}
}

func TestConcurrentSubmitsExactlyOneWins(t *testing.T) {
	f := newFixture(t, true)
	const n = 12
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Submit(context.Background(), f.dealID, SubmitOptions{})
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
			if id, _ := apperr.MetaOf(err)["active_run_id"].(string); id == "" {
				t.Fatalf("conflict without active run id: %v", err)
			}
		default:
			t.Fatalf("unexpected err=%v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestLifecycleReleasesSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})

	if err := f.mgr.ReportRunning(ctx, run.ID); err != nil {
		t.Fatalf("running err=%v", err)
	}
	if _, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("submit while running err=%v want conflict", err)
	}
	if err := f.mgr.ReportCompleted(ctx, run.ID, json.RawMessage(`{"irr":"0.11"}`)); err != nil {
		t.Fatalf("completed err=%v", err)
	}

	latest, err := f.mgr.LatestRun(ctx, f.dealID)
	if err != nil {
		t.Fatalf("latest err=%v", err)
	}
	if latest.Status != models.RunStatusCompleted || string(latest.Results) != `{"irr":"0.11"}` || latest.CompletedAt == nil {
		t.Fatalf("latest=%+v", latest)
	}
	next, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit after completion err=%v", err)
	}
	if next.Sequence != 2 {
		t.Fatalf("sequence=%d want=2", next.Sequence)
	}
}

func TestDuplicateCompletionAbsorbed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	_ = f.mgr.ReportRunning(ctx, run.ID)
	_ = f.mgr.ReportCompleted(ctx, run.ID, json.RawMessage(`{"irr":"0.1"}`))

	if err := f.mgr.ReportCompleted(ctx, run.ID, json.RawMessage(`{"irr":"0.9"}`)); err != nil {
		t.Fatalf("duplicate err=%v want nil", err)
	}
	if err := f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "completed"}); err != nil {
		t.Fatalf("duplicate apply err=%v want nil", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if string(got.Results) != `{"irr":"0.1"}` {
		t.Fatalf("results overwritten: %s", got.Results)
	}
	if f.mgr.Anomalies() != 2 {
		t.Fatalf("anomalies=%d want=2", f.mgr.Anomalies())
	}
}

func TestSkippedStateIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})

	if err := f.mgr.ReportCompleted(ctx, run.ID, nil); err != nil {
		t.Fatalf("err=%v want nil", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusQueued || f.mgr.Anomalies() != 1 {
		t.Fatalf("status=%s anomalies=%d", got.Status, f.mgr.Anomalies())
	}
}

func TestApplyWalksThroughRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})

	err := f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "completed", Results: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("apply err=%v", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusCompleted || got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("run=%+v", got)
	}
	// a late running report is absorbed
	if err := f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "running"}); err != nil {
		t.Fatalf("late running err=%v", err)
	}
	if f.mgr.Anomalies() != 1 {
		t.Fatalf("anomalies=%d want=1", f.mgr.Anomalies())
	}
}

func TestFailureVisibleInLatestRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	_ = f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "failed", Error: "cap rate out of range"})

	latest, _ := f.mgr.LatestRun(ctx, f.dealID)
	if latest.Status != models.RunStatusFailed || latest.Error == nil || *latest.Error != "cap rate out of range" {
		t.Fatalf("latest=%+v", latest)
	}
	active, _ := f.mgr.ActiveRun(ctx, f.dealID)
	if active != nil {
		t.Fatalf("slot still held by %s", active.ID)
	}
}

func TestUnknownRunAndStatus(t *testing.T) {
	f := newFixture(t, true)
	if err := f.mgr.ReportRunning(context.Background(), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err=%v want not found", err)
	}
	err := f.mgr.Apply(context.Background(), engine.StatusUpdate{RunID: "nope", Status: "exploded"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err=%v want invalid input", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	for i := 0; i < 3; i++ {
		run, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d err=%v", i, err)
		}
		_ = f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "completed"})
	}
	items, total, err := f.mgr.History(ctx, f.dealID, 10, 0)
	if err != nil {
		t.Fatalf("history err=%v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	for i, want := range []int64{3, 2, 1} {
		if items[i].Sequence != want {
			t.Fatalf("items[%d].sequence=%d want=%d", i, items[i].Sequence, want)
		}
	}
}

func TestRunOnSupersededSnapshotFinishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	current := f.publish(t, 1400)

	_ = f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "completed"})
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusCompleted || got.SnapshotVersion != 1 {
		t.Fatalf("run=%+v", got)
	}
	if !IsStale(got, current) || IsStale(got, 1) {
		t.Fatalf("staleness wrong for current=%d", current)
	}
}

func TestRetryFailedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{Name: "stress"})
	_ = f.mgr.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: "failed", Error: "boom"})

	retry, err := f.mgr.Retry(ctx, run.ID)
	if err != nil {
		t.Fatalf("retry err=%v", err)
	}
	if retry.RetryOf == nil || *retry.RetryOf != run.ID || retry.Name != "stress" {
		t.Fatalf("retry=%+v", retry)
	}
	old, _ := f.mgr.Run(ctx, run.ID)
	if old.Status != models.RunStatusFailed {
		t.Fatalf("failed run touched: %s", old.Status)
	}
	if _, err := f.mgr.Retry(ctx, retry.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("retry of queued run err=%v want conflict", err)
	}
}

func TestDispatchFailureRetriedThenExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.eng.fail = true
	f.mgr.MaxDispatchAttempts = 2
	f.mgr.DispatchTimeout = time.Millisecond

	run, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	if err != nil {
		t.Fatalf("dispatch failure leaked to caller: %v", err)
	}
	if run.Status != models.RunStatusQueued || run.LastDispatchError == nil || run.DispatchedAt != nil {
		t.Fatalf("run=%+v", run)
	}

	time.Sleep(5 * time.Millisecond)
	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.DispatchAttempts != 2 || got.Status != models.RunStatusQueued {
		t.Fatalf("after retry run=%+v", got)
	}

	time.Sleep(5 * time.Millisecond)
	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	got, _ = f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusFailed || got.Error == nil || *got.Error != "dispatch failed: engine down" {
		t.Fatalf("after exhaustion run=%+v", got)
	}
	if active, _ := f.mgr.ActiveRun(ctx, f.dealID); active != nil {
		t.Fatalf("slot not released")
	}
}

func TestReconcilePollsDispatchedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	run, _ := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})

	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	f.eng.setStatus(engine.StatusUpdate{RunID: run.ID, Status: "completed", Results: json.RawMessage(`{"dscr":"1.4"}`)})
	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusCompleted || string(got.Results) != `{"dscr":"1.4"}` {
		t.Fatalf("run=%+v", got)
	}
}

func TestReconcileFailsRunLostByEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.mgr.LostRunTimeout = time.Hour
	run, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}
	if run.DispatchedAt == nil {
		t.Fatalf("run not dispatched: %+v", run)
	}

	// within the bound the engine may simply not have registered the run yet
	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	if got, _ := f.mgr.Run(ctx, run.ID); got.Status != models.RunStatusQueued {
		t.Fatalf("run failed too early: %+v", got)
	}

	f.mgr.Now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if err := f.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile err=%v", err)
	}
	got, _ := f.mgr.Run(ctx, run.ID)
	if got.Status != models.RunStatusFailed || got.Error == nil || *got.Error != "engine lost run" {
		t.Fatalf("run=%+v", got)
	}
	if active, _ := f.mgr.ActiveRun(ctx, f.dealID); active != nil {
		t.Fatalf("slot not released: %+v", active)
	}

	retry, err := f.mgr.Retry(ctx, run.ID)
	if err != nil {
		t.Fatalf("Retry err=%v", err)
	}
	if retry.RetryOf == nil || *retry.RetryOf != run.ID {
		t.Fatalf("retry=%+v", retry)
	}
}

type staticDefaults struct {
	a   engine.Assumptions
	err error
}

func (s staticDefaults) RunAssumptions(context.Context, uint64) (engine.Assumptions, error) {
	return s.a, s.err
}

func TestSubmitSeedsStoredAssumptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	vacancy := decimal.RequireFromString("0.05")
	storedGrowth := decimal.RequireFromString("0.03")
	ownGrowth := decimal.RequireFromString("0.02")
	f.mgr.Defaults = staticDefaults{a: engine.Assumptions{VacancyRate: &vacancy, RentGrowth: &storedGrowth}}

	run, err := f.mgr.Submit(ctx, f.dealID, SubmitOptions{Assumptions: engine.Assumptions{RentGrowth: &ownGrowth}})
	if err != nil {
		t.Fatalf("Submit err=%v", err)
	}
	var stored engine.Assumptions
	if err := json.Unmarshal(run.Assumptions, &stored); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if stored.VacancyRate == nil || !stored.VacancyRate.Equal(vacancy) {
		t.Fatalf("vacancy not seeded: %s", run.Assumptions)
	}
	if !stored.RentGrowth.Equal(ownGrowth) {
		t.Fatalf("submitted rent growth overwritten: %s", run.Assumptions)
	}
	f.eng.mu.Lock()
	sent := f.eng.submitted[len(f.eng.submitted)-1].Assumptions
	f.eng.mu.Unlock()
	if sent.VacancyRate == nil || !sent.VacancyRate.Equal(vacancy) {
		t.Fatalf("engine got %+v", sent)
	}
}
