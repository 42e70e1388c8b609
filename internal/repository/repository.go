package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"

	"dealbase/internal/models"
)

// Lookups return (nil, nil) when the row does not exist.

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrForeignKey   = errors.New("parent row missing")
)

type DealRepository interface {
	// CreateDeal inserts the deal together with its empty head row.
	CreateDeal(ctx context.Context, deal *models.Deal) error
	GetDealByID(ctx context.Context, id uint64) (*models.Deal, error)
	GetDealBySlug(ctx context.Context, slug string) (*models.Deal, error)
	ListDeals(ctx context.Context, params ListDealsParams) ([]models.Deal, error)
	CountDeals(ctx context.Context, params ListDealsParams) (int64, error)
	UpdateDeal(ctx context.Context, id uint64, update DealUpdate) error
	// DeleteDeal removes the deal and everything it owns.
	DeleteDeal(ctx context.Context, id uint64) (bool, error)
}

type DocumentRepository interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id uint64) (*models.Document, error)
	// ListDocumentsByDeal returns documents in ingestion order.
	ListDocumentsByDeal(ctx context.Context, dealID uint64) ([]models.Document, error)
	// SupersedeDocument marks id as replaced by another document, once.
	SupersedeDocument(ctx context.Context, id, by uint64) (bool, error)
}

type SnapshotRepository interface {
	GetDealHead(ctx context.Context, dealID uint64) (*models.DealHead, error)
	// AppendSnapshot stores snap and moves the deal's current version from
	// expectedVersion to snap.Version in one transaction. It reports false
	// when the current version no longer equals expectedVersion.
	AppendSnapshot(ctx context.Context, snap *models.FinancialSnapshot, expectedVersion int64) (bool, error)
	GetCurrentSnapshot(ctx context.Context, dealID uint64) (*models.FinancialSnapshot, error)
	GetSnapshot(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error)
	ListSnapshots(ctx context.Context, params ListSnapshotsParams) ([]models.SnapshotSummary, error)
}

type RunRepository interface {
	// ClaimRunSlot takes the deal's empty active-run slot for run and inserts
	// it, assigning run.Sequence. When the slot is held it returns false and
	// the id of the run holding it.
	ClaimRunSlot(ctx context.Context, run *models.ValuationRun) (bool, string, error)
	// TransitionRun moves a run from t.From to t.To. It reports false when the
	// run is not in t.From. Terminal targets release the deal's slot.
	TransitionRun(ctx context.Context, t RunTransition) (bool, error)
	RecordDispatch(ctx context.Context, runID string, at time.Time, dispatchErr *string) error
	GetRunByID(ctx context.Context, id string) (*models.ValuationRun, error)
	GetLatestRunByDeal(ctx context.Context, dealID uint64) (*models.ValuationRun, error)
	ListRuns(ctx context.Context, params ListRunsParams) ([]models.ValuationRun, error)
	CountRuns(ctx context.Context, params ListRunsParams) (int64, error)
}

type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, params ListAuditEventsParams) ([]models.AuditEvent, error)
}

type AssumptionsRepository interface {
	// GetRentRollAssumptions returns nil when the deal has none stored.
	GetRentRollAssumptions(ctx context.Context, dealID uint64) (*models.RentRollAssumptions, error)
	UpsertRentRollAssumptions(ctx context.Context, a *models.RentRollAssumptions) error
}

// Repository is the full storage contract served by both backends.
type Repository interface {
	DealRepository
	DocumentRepository
	SnapshotRepository
	RunRepository
	AuditRepository
	AssumptionsRepository
}

type ListDealsParams struct {
	Limit   int
	Offset  int
	Status  *string
	City    *string
	Query   *string
	OrderBy string
	Asc     *bool
}

type DealUpdate struct {
	Name         *string
	PropertyType *string
	Address      *string
	City         *string
	State        *string
	ZipCode      *string
	Description  *string
	Status       *string
}

type ListSnapshotsParams struct {
	DealID uint64
	Limit  int
	Offset int
}

type ListRunsParams struct {
	Limit    int
	Offset   int
	DealID   *uint64
	Statuses []string
	OrderBy  string
	Asc      *bool
}

type ListAuditEventsParams struct {
	DealID    uint64
	EventType *string
	Limit     int
	Offset    int
}

type RunTransition struct {
	RunID   string
	DealID  uint64
	From    string
	To      string
	At      time.Time
	Results datatypes.JSON
	Error   *string
}
