// Package valuation tracks valuation runs through
// queued -> running -> completed|failed and coordinates with the engine.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/engine"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/repository"
)

type Repository interface {
	repository.DealRepository
	repository.RunRepository
}

// AssumptionSource supplies the stored per-deal assumptions that fill any
// value a submission leaves unset.
type AssumptionSource interface {
	RunAssumptions(ctx context.Context, dealID uint64) (engine.Assumptions, error)
}

type SnapshotReader interface {
	CurrentSnapshot(ctx context.Context, dealID uint64) (*models.FinancialSnapshot, error)
	SnapshotAt(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error)
}

const (
	defaultDispatchAttempts = 5
	defaultDispatchTimeout  = 10 * time.Second
	defaultReconcileBatch   = 100
	defaultLostRunTimeout   = 10 * time.Minute
	claimAttempts           = 3
)

type Manager struct {
	Repo      Repository
	Snapshots SnapshotReader
	Engine    engine.Engine
	Defaults  AssumptionSource
	Audit     *audit.Recorder
	Logger    *zap.Logger

	MaxDispatchAttempts int
	DispatchTimeout     time.Duration
	ReconcileBatch      int
	// LostRunTimeout is how long the engine may deny knowing a dispatched
	// run before the run is failed.
	LostRunTimeout time.Duration
	Now            func() time.Time

	anomalies atomic.Int64
}

type SubmitOptions struct {
	Name        string
	Assumptions engine.Assumptions
	RetryOf     *string
}

// Submit creates a queued run against the deal's current snapshot and hands
// it to the engine. Only one run per deal may be queued or running.
func (m *Manager) Submit(ctx context.Context, dealID uint64, opts SubmitOptions) (*models.ValuationRun, error) {
	const op = "valuation.Submit"
	if err := m.requireDeal(ctx, op, dealID); err != nil {
		return nil, err
	}
	snap, err := m.Snapshots.CurrentSnapshot(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if m.Defaults != nil {
		base, err := m.Defaults.RunAssumptions(ctx, dealID)
		if err != nil {
			return nil, err
		}
		opts.Assumptions = opts.Assumptions.WithDefaults(base)
	}
	assumptions, err := json.Marshal(opts.Assumptions)
	if err != nil {
		return nil, apperr.InvalidInput(op, "assumptions: %v", err)
	}

	run := &models.ValuationRun{
		ID:              uuid.NewString(),
		DealID:          dealID,
		Name:            strings.TrimSpace(opts.Name),
		SnapshotVersion: snap.Version,
		Status:          models.RunStatusQueued,
		Assumptions:     datatypes.JSON(assumptions),
		RetryOf:         opts.RetryOf,
		QueuedAt:        m.now(),
	}
	claimed := false
	for attempt := 0; attempt < claimAttempts && !claimed; attempt++ {
		var active string
		claimed, active, err = m.Repo.ClaimRunSlot(ctx, run)
		if err != nil {
			return nil, err
		}
		if !claimed && active != "" {
			return nil, apperr.Conflict(op, "deal %d already has active run %s", dealID, active).
				WithMeta("active_run_id", active)
		}
	}
	if !claimed {
		if err := m.requireDeal(ctx, op, dealID); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(op, "deal %d run slot is contended", dealID)
	}

	m.log().Info("valuation run queued",
		zap.Uint64("deal_id", dealID),
		zap.String("run_id", run.ID),
		zap.Int64("snapshot_version", run.SnapshotVersion),
	)
	m.Audit.Record(ctx, dealID, models.AuditValuationSubmitted,
		fmt.Sprintf("valuation run %d submitted against snapshot v%d", run.Sequence, run.SnapshotVersion),
		map[string]any{"run_id": run.ID, "snapshot_version": run.SnapshotVersion, "retry_of": opts.RetryOf},
	)

	_ = m.dispatch(ctx, run, snap, opts.Assumptions)

	if fresh, err := m.Repo.GetRunByID(ctx, run.ID); err == nil && fresh != nil {
		return fresh, nil
	}
	return run, nil
}

// dispatch is a bounded handoff. The outcome is recorded on the run; a
// failure leaves the run queued for Reconcile to retry.
func (m *Manager) dispatch(ctx context.Context, run *models.ValuationRun, snap *models.FinancialSnapshot, a engine.Assumptions) error {
	var err error
	if m.Engine == nil {
		err = errors.New("no engine configured")
	} else {
		dctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout())
		err = m.Engine.Submit(dctx, engine.ComputeRequest{
			DealID:          run.DealID,
			RunID:           run.ID,
			SnapshotVersion: snap.Version,
			Units:           snap.Units,
			UnitMix:         snap.UnitMix,
			Assumptions:     a,
		})
		cancel()
	}

	var msg *string
	if err != nil {
		text := err.Error()
		msg = &text
		m.log().Warn("valuation dispatch failed",
			zap.String("run_id", run.ID),
			zap.Int("attempt", run.DispatchAttempts+1),
			zap.Error(err),
		)
	}
	if recErr := m.Repo.RecordDispatch(ctx, run.ID, m.now(), msg); recErr != nil {
		m.log().Warn("record dispatch failed", zap.String("run_id", run.ID), zap.Error(recErr))
	}
	return err
}

func (m *Manager) ReportRunning(ctx context.Context, runID string) error {
	return m.step(ctx, "valuation.ReportRunning", runID, models.RunStatusQueued, models.RunStatusRunning, nil, nil)
}

func (m *Manager) ReportCompleted(ctx context.Context, runID string, results json.RawMessage) error {
	return m.step(ctx, "valuation.ReportCompleted", runID, models.RunStatusRunning, models.RunStatusCompleted, results, nil)
}

func (m *Manager) ReportFailed(ctx context.Context, runID, message string) error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "engine reported failure"
	}
	return m.step(ctx, "valuation.ReportFailed", runID, models.RunStatusRunning, models.RunStatusFailed, nil, &msg)
}

// Apply moves a run toward the reported status one legal step at a time, so
// a completion that overtakes its running report still passes through
// running. Redelivered updates are absorbed.
func (m *Manager) Apply(ctx context.Context, update engine.StatusUpdate) error {
	const op = "valuation.Apply"
	target := strings.ToLower(strings.TrimSpace(update.Status))
	switch target {
	case models.RunStatusQueued:
		return nil
	case models.RunStatusRunning, models.RunStatusCompleted, models.RunStatusFailed:
	default:
		return apperr.InvalidInput(op, "unknown run status %q", update.Status)
	}

	run, err := m.Run(ctx, update.RunID)
	if err != nil {
		return err
	}
	if run.Status == target && !models.RunStatusTerminal(target) {
		return nil
	}
	if rank(run.Status) >= rank(target) {
		m.anomaly(ctx, op, run, target)
		return nil
	}
	if run.Status == models.RunStatusQueued {
		if err := m.ReportRunning(ctx, run.ID); err != nil {
			return err
		}
	}
	switch target {
	case models.RunStatusCompleted:
		return m.ReportCompleted(ctx, run.ID, update.Results)
	case models.RunStatusFailed:
		return m.ReportFailed(ctx, run.ID, update.Error)
	}
	return nil
}

func rank(status string) int {
	switch status {
	case models.RunStatusQueued:
		return 0
	case models.RunStatusRunning:
		return 1
	default:
		return 2
	}
}

func (m *Manager) step(ctx context.Context, op, runID, from, to string, results json.RawMessage, errMsg *string) error {
	run, err := m.Run(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != from {
		m.anomaly(ctx, op, run, to)
		return nil
	}
	t := repository.RunTransition{
		RunID:  run.ID,
		DealID: run.DealID,
		From:   from,
		To:     to,
		At:     m.now(),
		Error:  errMsg,
	}
	if len(results) > 0 {
		t.Results = datatypes.JSON(results)
	}
	moved, err := m.Repo.TransitionRun(ctx, t)
	if err != nil {
		return err
	}
	if !moved {
		// another writer moved the run between the read and the swap
		if latest, err := m.Repo.GetRunByID(ctx, runID); err == nil && latest != nil {
			run = latest
		}
		m.anomaly(ctx, op, run, to)
		return nil
	}

	m.log().Info("valuation run transitioned",
		zap.String("run_id", run.ID),
		zap.Uint64("deal_id", run.DealID),
		zap.String("from", from),
		zap.String("to", to),
	)
	switch to {
	case models.RunStatusCompleted:
		m.Audit.Record(ctx, run.DealID, models.AuditValuationCompleted,
			fmt.Sprintf("valuation run %d completed", run.Sequence),
			map[string]any{"run_id": run.ID, "snapshot_version": run.SnapshotVersion},
		)
	case models.RunStatusFailed:
		m.Audit.Record(ctx, run.DealID, models.AuditValuationFailed,
			fmt.Sprintf("valuation run %d failed: %s", run.Sequence, *errMsg),
			map[string]any{"run_id": run.ID, "error": *errMsg},
		)
	}
	return nil
}

// anomaly absorbs an illegal transition: it is logged, counted and audited,
// never returned to the engine.
func (m *Manager) anomaly(ctx context.Context, op string, run *models.ValuationRun, to string) {
	err := apperr.InvalidTransition(op, run.ID, run.Status, to)
	m.anomalies.Add(1)
	m.log().Warn("valuation run transition rejected",
		zap.String("run_id", run.ID),
		zap.Uint64("deal_id", run.DealID),
		zap.String("from", run.Status),
		zap.String("to", to),
		zap.Error(err),
	)
	m.Audit.Record(ctx, run.DealID, models.AuditRunAnomaly, err.Error(), apperr.MetaOf(err))
}

// Anomalies counts rejected transitions since start.
func (m *Manager) Anomalies() int64 {
	return m.anomalies.Load()
}

func (m *Manager) Run(ctx context.Context, runID string) (*models.ValuationRun, error) {
	run, err := m.Repo.GetRunByID(ctx, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.NotFound("valuation.Run", "run %s", runID)
	}
	return run, nil
}

// LatestRun returns the most recently submitted run, or nil when the deal
// has none.
func (m *Manager) LatestRun(ctx context.Context, dealID uint64) (*models.ValuationRun, error) {
	if err := m.requireDeal(ctx, "valuation.LatestRun", dealID); err != nil {
		return nil, err
	}
	return m.Repo.GetLatestRunByDeal(ctx, dealID)
}

func (m *Manager) ActiveRun(ctx context.Context, dealID uint64) (*models.ValuationRun, error) {
	if err := m.requireDeal(ctx, "valuation.ActiveRun", dealID); err != nil {
		return nil, err
	}
	runs, err := m.Repo.ListRuns(ctx, repository.ListRunsParams{
		DealID:   &dealID,
		Statuses: []string{models.RunStatusQueued, models.RunStatusRunning},
		Limit:    1,
	})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// History lists runs newest first along with the total count.
func (m *Manager) History(ctx context.Context, dealID uint64, limit, offset int) ([]models.ValuationRun, int64, error) {
	if err := m.requireDeal(ctx, "valuation.History", dealID); err != nil {
		return nil, 0, err
	}
	params := repository.ListRunsParams{DealID: &dealID, Limit: limit, Offset: offset, OrderBy: "sequence"}
	items, err := m.Repo.ListRuns(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.Repo.CountRuns(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Retry submits a fresh run with the assumptions of a failed one.
func (m *Manager) Retry(ctx context.Context, runID string) (*models.ValuationRun, error) {
	const op = "valuation.Retry"
	prev, err := m.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.RunStatusFailed {
		return nil, apperr.Conflict(op, "run %s is %s; only failed runs can be retried", prev.ID, prev.Status)
	}
	a, err := decodeAssumptions(prev.Assumptions)
	if err != nil {
		return nil, apperr.InvalidInput(op, "stored assumptions: %v", err)
	}
	id := prev.ID
	return m.Submit(ctx, prev.DealID, SubmitOptions{Name: prev.Name, Assumptions: a, RetryOf: &id})
}

// IsStale reports whether a newer snapshot was published after run started.
func IsStale(run *models.ValuationRun, currentVersion int64) bool {
	return run != nil && currentVersion > run.SnapshotVersion
}

func decodeAssumptions(raw datatypes.JSON) (engine.Assumptions, error) {
	var a engine.Assumptions
	if len(raw) == 0 {
		return a, nil
	}
	err := json.Unmarshal(raw, &a)
	return a, err
}

func (m *Manager) requireDeal(ctx context.Context, op string, dealID uint64) error {
	deal, err := m.Repo.GetDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal == nil {
		return apperr.NotFound(op, "deal %d", dealID)
	}
	return nil
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Manager) dispatchTimeout() time.Duration {
	if m.DispatchTimeout > 0 {
		return m.DispatchTimeout
	}
	return defaultDispatchTimeout
}

func (m *Manager) log() *zap.Logger {
	return logger.OrNop(m.Logger)
}

var _ engine.Reporter = (*Manager)(nil)
