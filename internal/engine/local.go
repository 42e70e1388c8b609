package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dealbase/internal/apperr"
	"dealbase/internal/models"
)

const defaultLocalRetention = time.Hour

// Local is the in-process development engine. It runs ComputeKPIs on a
// bounded number of workers and reports through the Reporter.
type Local struct {
	// Retention is how long a finished run stays visible to Status.
	Retention time.Duration

	logger *zap.Logger
	base   context.Context
	sem    *semaphore.Weighted
	now    func() time.Time

	mu       sync.Mutex
	reporter Reporter
	runs     map[string]localRun

	wg sync.WaitGroup
}

type localRun struct {
	update   StatusUpdate
	finished time.Time
}

// NewLocal runs work under base, so cancelling base stops queued work.
func NewLocal(base context.Context, workers int, logger *zap.Logger) *Local {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = context.Background()
	}
	return &Local{
		logger: logger,
		base:   base,
		sem:    semaphore.NewWeighted(int64(workers)),
		now:    time.Now,
		runs:   make(map[string]localRun),
	}
}

func (l *Local) SetReporter(r Reporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reporter = r
}

func (l *Local) Submit(_ context.Context, req ComputeRequest) error {
	if req.RunID == "" {
		return apperr.InvalidInput("engine.Local.Submit", "run_id is required")
	}
	l.mu.Lock()
	l.pruneLocked()
	if _, dup := l.runs[req.RunID]; dup {
		l.mu.Unlock()
		return nil
	}
	l.runs[req.RunID] = localRun{update: StatusUpdate{RunID: req.RunID, Status: models.RunStatusQueued}}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.execute(req)
	}()
	return nil
}

func (l *Local) execute(req ComputeRequest) {
	if err := l.sem.Acquire(l.base, 1); err != nil {
		return
	}
	defer l.sem.Release(1)

	l.publish(StatusUpdate{RunID: req.RunID, Status: models.RunStatusRunning})

	results, err := ComputeKPIs(req.Units, req.Assumptions)
	if err != nil {
		l.publish(StatusUpdate{RunID: req.RunID, Status: models.RunStatusFailed, Error: err.Error()})
		return
	}
	results.SnapshotVersion = req.SnapshotVersion
	raw, err := json.Marshal(results)
	if err != nil {
		l.publish(StatusUpdate{RunID: req.RunID, Status: models.RunStatusFailed, Error: err.Error()})
		return
	}
	l.publish(StatusUpdate{RunID: req.RunID, Status: models.RunStatusCompleted, Results: raw})
}

func (l *Local) publish(update StatusUpdate) {
	l.mu.Lock()
	entry := localRun{update: update}
	if models.RunStatusTerminal(update.Status) {
		entry.finished = l.now()
	}
	l.runs[update.RunID] = entry
	reporter := l.reporter
	l.mu.Unlock()

	if reporter == nil {
		return
	}
	if err := reporter.Apply(l.base, update); err != nil {
		l.logger.Warn("local engine report failed",
			zap.String("run_id", update.RunID),
			zap.String("status", update.Status),
			zap.Error(err),
		)
	}
}

func (l *Local) Status(_ context.Context, runID string) (StatusUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	entry, ok := l.runs[runID]
	if !ok {
		return StatusUpdate{}, apperr.NotFound("engine.Local.Status", "engine has no run %s", runID)
	}
	return entry.update, nil
}

// pruneLocked drops finished runs older than Retention. l.mu must be held.
func (l *Local) pruneLocked() {
	retention := l.Retention
	if retention <= 0 {
		retention = defaultLocalRetention
	}
	cutoff := l.now().Add(-retention)
	for id, entry := range l.runs {
		if !entry.finished.IsZero() && entry.finished.Before(cutoff) {
			delete(l.runs, id)
		}
	}
}

// Wait blocks until every submitted run has finished.
func (l *Local) Wait() {
	l.wg.Wait()
}

var _ Engine = (*Local)(nil)
