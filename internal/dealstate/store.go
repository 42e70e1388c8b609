// Package dealstate owns the versioned financial snapshot of every deal.
// Snapshots are append-only; the only mutable field is the per-deal current
// version pointer, which moves by compare-and-swap.
package dealstate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository"
)

type Repository interface {
	repository.DealRepository
	repository.SnapshotRepository
}

const (
	defaultPublishAttempts = 5
	baseBackoff            = 10 * time.Millisecond
	maxBackoff             = 500 * time.Millisecond
)

type Store struct {
	Repo               Repository
	Audit              *audit.Recorder
	Logger             *zap.Logger
	MaxPublishAttempts int

	locks keyedMutex
}

// PublishSnapshot appends res as the deal's next version and makes it current.
func (s *Store) PublishSnapshot(ctx context.Context, dealID uint64, res *normalizer.Result) (int64, error) {
	const op = "dealstate.PublishSnapshot"
	if res == nil {
		return 0, apperr.InvalidInput(op, "nil normalization result")
	}
	if err := s.requireDeal(ctx, op, dealID); err != nil {
		return 0, err
	}

	units := append([]models.RentRollUnit{}, res.Units...)
	mix := normalizer.DeriveUnitMix(units)
	docs := append([]uint64{}, res.SourceDocuments...)
	warnings := append([]models.NormalizationWarning{}, res.Warnings...)
	checksum := normalizer.Checksum(units, mix)
	total := normalizer.TotalRent(units)

	version, err := s.commit(ctx, op, dealID, func(version int64) *models.FinancialSnapshot {
		return &models.FinancialSnapshot{
			DealID:          dealID,
			Version:         version,
			UnitCount:       len(units),
			TotalRent:       total,
			Checksum:        checksum,
			Units:           datatypes.JSONSlice[models.RentRollUnit](units),
			UnitMix:         datatypes.JSONSlice[models.UnitMixBucket](mix),
			SourceDocuments: datatypes.JSONSlice[uint64](docs),
			Warnings:        datatypes.JSONSlice[models.NormalizationWarning](warnings),
		}
	})
	if err != nil {
		return 0, err
	}
	s.Audit.Record(ctx, dealID, models.AuditSnapshotPublished,
		fmt.Sprintf("snapshot v%d published with %d units", version, len(units)),
		map[string]any{"version": version, "unit_count": len(units), "warnings": len(warnings), "checksum": checksum},
	)
	return version, nil
}

// Restore republishes a prior version as a new version.
func (s *Store) Restore(ctx context.Context, dealID uint64, version int64) (int64, error) {
	const op = "dealstate.Restore"
	src, err := s.SnapshotAt(ctx, dealID, version)
	if err != nil {
		return 0, err
	}
	from := src.Version
	next, err := s.commit(ctx, op, dealID, func(v int64) *models.FinancialSnapshot {
		return &models.FinancialSnapshot{
			DealID:          dealID,
			Version:         v,
			UnitCount:       src.UnitCount,
			TotalRent:       src.TotalRent,
			Checksum:        src.Checksum,
			Units:           append(datatypes.JSONSlice[models.RentRollUnit]{}, src.Units...),
			UnitMix:         append(datatypes.JSONSlice[models.UnitMixBucket]{}, src.UnitMix...),
			SourceDocuments: append(datatypes.JSONSlice[uint64]{}, src.SourceDocuments...),
			Warnings:        append(datatypes.JSONSlice[models.NormalizationWarning]{}, src.Warnings...),
			RestoredFrom:    &from,
		}
	})
	if err != nil {
		return 0, err
	}
	s.Audit.Record(ctx, dealID, models.AuditSnapshotRestored,
		fmt.Sprintf("snapshot v%d restored as v%d", from, next),
		map[string]any{"version": next, "restored_from": from},
	)
	return next, nil
}

// commit runs the publish loop: take the deal lock, read the head, write
// version head+1 expecting head. A lost swap means another process published
// first, so the loop re-reads and tries again.
func (s *Store) commit(ctx context.Context, op string, dealID uint64, build func(version int64) *models.FinancialSnapshot) (int64, error) {
	unlock := s.locks.Lock(dealID)
	defer unlock()

	attempts := s.MaxPublishAttempts
	if attempts <= 0 {
		attempts = defaultPublishAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return 0, err
			}
		}
		head, err := s.Repo.GetDealHead(ctx, dealID)
		if err != nil {
			return 0, err
		}
		if head == nil {
			return 0, apperr.NotFound(op, "deal %d", dealID)
		}
		snap := build(head.CurrentVersion + 1)
		ok, err := s.Repo.AppendSnapshot(ctx, snap, head.CurrentVersion)
		if err != nil && !errors.Is(err, repository.ErrDuplicateKey) {
			return 0, err
		}
		if ok {
			s.log().Info("snapshot published",
				zap.Uint64("deal_id", dealID),
				zap.Int64("version", snap.Version),
				zap.Int("units", snap.UnitCount),
			)
			return snap.Version, nil
		}
		s.log().Debug("snapshot publish lost race",
			zap.Uint64("deal_id", dealID),
			zap.Int64("expected_version", head.CurrentVersion),
			zap.Int("attempt", attempt+1),
		)
	}
	return 0, apperr.Conflict(op, "deal %d: too much contention publishing snapshot", dealID)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d)/2 + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Store) CurrentSnapshot(ctx context.Context, dealID uint64) (*models.FinancialSnapshot, error) {
	const op = "dealstate.CurrentSnapshot"
	snap, err := s.Repo.GetCurrentSnapshot(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		if err := s.requireDeal(ctx, op, dealID); err != nil {
			return nil, err
		}
		return nil, apperr.NotFound(op, "deal %d has no snapshot", dealID)
	}
	return snap, nil
}

func (s *Store) SnapshotAt(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error) {
	const op = "dealstate.SnapshotAt"
	snap, err := s.Repo.GetSnapshot(ctx, dealID, version)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, apperr.NotFound(op, "deal %d snapshot v%d", dealID, version)
	}
	return snap, nil
}

// CurrentVersion returns 0 when the deal has never published.
func (s *Store) CurrentVersion(ctx context.Context, dealID uint64) (int64, error) {
	head, err := s.Repo.GetDealHead(ctx, dealID)
	if err != nil {
		return 0, err
	}
	if head == nil {
		return 0, apperr.NotFound("dealstate.CurrentVersion", "deal %d", dealID)
	}
	return head.CurrentVersion, nil
}

// Versions lists snapshot summaries, newest first.
func (s *Store) Versions(ctx context.Context, dealID uint64, limit, offset int) ([]models.SnapshotSummary, error) {
	current, err := s.CurrentVersion(ctx, dealID)
	if err != nil {
		return nil, err
	}
	items, err := s.Repo.ListSnapshots(ctx, repository.ListSnapshotsParams{DealID: dealID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Current = items[i].Version == current
	}
	return items, nil
}

func (s *Store) requireDeal(ctx context.Context, op string, dealID uint64) error {
	deal, err := s.Repo.GetDealByID(ctx, dealID)
	if err != nil {
		return err
	}
	if deal == nil {
		return apperr.NotFound(op, "deal %d", dealID)
	}
	return nil
}

func (s *Store) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}
