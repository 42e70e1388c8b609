package valuation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dealbase/internal/apperr"
	"dealbase/internal/engine"
	"dealbase/internal/models"
	"dealbase/internal/repository"
)

// Reconcile is the poll adapter. It re-dispatches queued runs whose handoff
// failed, fails runs that ran out of dispatch attempts, and asks the engine
// for the status of dispatched runs.
func (m *Manager) Reconcile(ctx context.Context) error {
	asc := true
	runs, err := m.Repo.ListRuns(ctx, repository.ListRunsParams{
		Statuses: []string{models.RunStatusQueued, models.RunStatusRunning},
		OrderBy:  "queued_at",
		Asc:      &asc,
		Limit:    m.reconcileBatch(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for i := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run := &runs[i]
		if run.Status == models.RunStatusQueued && run.DispatchedAt == nil {
			errs = append(errs, m.redispatch(ctx, run))
			continue
		}
		errs = append(errs, m.poll(ctx, run))
	}
	return errors.Join(errs...)
}

func (m *Manager) redispatch(ctx context.Context, run *models.ValuationRun) error {
	if m.now().Sub(run.UpdatedAt) < m.dispatchTimeout() {
		// the submitting request may still be handing it off
		return nil
	}
	if run.DispatchAttempts >= m.maxDispatchAttempts() {
		reason := "dispatch failed"
		if run.LastDispatchError != nil {
			reason += ": " + *run.LastDispatchError
		}
		m.log().Warn("valuation dispatch attempts exhausted",
			zap.String("run_id", run.ID),
			zap.Int("attempts", run.DispatchAttempts),
		)
		return m.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: models.RunStatusFailed, Error: reason})
	}

	snap, err := m.Snapshots.SnapshotAt(ctx, run.DealID, run.SnapshotVersion)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return m.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: models.RunStatusFailed, Error: "dispatch failed: snapshot missing"})
		}
		return err
	}
	a, err := decodeAssumptions(run.Assumptions)
	if err != nil {
		return m.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: models.RunStatusFailed, Error: "dispatch failed: " + err.Error()})
	}
	if err := m.dispatch(ctx, run, snap, a); err != nil {
		// recorded on the run; the next pass retries
		return nil
	}
	m.log().Info("valuation run re-dispatched", zap.String("run_id", run.ID), zap.Int("attempt", run.DispatchAttempts+1))
	return nil
}

func (m *Manager) poll(ctx context.Context, run *models.ValuationRun) error {
	if m.Engine == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout())
	update, err := m.Engine.Status(pctx, run.ID)
	cancel()
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return m.lost(ctx, run)
		}
		m.log().Warn("engine status poll failed", zap.String("run_id", run.ID), zap.Error(err))
		return nil
	}
	update.RunID = run.ID
	if update.Status == "" || update.Status == run.Status {
		return nil
	}
	return m.Apply(ctx, update)
}

// lost fails a dispatched run the engine has not known about for longer than
// LostRunTimeout, e.g. after an engine restart. Failing it frees the deal's
// active slot so the run can be retried.
func (m *Manager) lost(ctx context.Context, run *models.ValuationRun) error {
	since := run.UpdatedAt
	if run.DispatchedAt != nil {
		since = *run.DispatchedAt
	}
	if run.StartedAt != nil && run.StartedAt.After(since) {
		since = *run.StartedAt
	}
	unknownFor := m.now().Sub(since)
	if unknownFor < m.lostRunTimeout() {
		m.log().Debug("engine does not know run yet", zap.String("run_id", run.ID))
		return nil
	}
	m.log().Warn("engine lost valuation run",
		zap.String("run_id", run.ID),
		zap.Uint64("deal_id", run.DealID),
		zap.Duration("unknown_for", unknownFor),
	)
	return m.Apply(ctx, engine.StatusUpdate{RunID: run.ID, Status: models.RunStatusFailed, Error: "engine lost run"})
}

func (m *Manager) lostRunTimeout() time.Duration {
	if m.LostRunTimeout > 0 {
		return m.LostRunTimeout
	}
	return defaultLostRunTimeout
}

func (m *Manager) maxDispatchAttempts() int {
	if m.MaxDispatchAttempts > 0 {
		return m.MaxDispatchAttempts
	}
	return defaultDispatchAttempts
}

func (m *Manager) reconcileBatch() int {
	if m.ReconcileBatch > 0 {
		return m.ReconcileBatch
	}
	return defaultReconcileBatch
}
