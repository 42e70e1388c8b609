// Package memory is an in-process implementation of the repository contract.
// Each deal lives in its own shard with its own lock, so operations on
// different deals never wait on each other beyond the index lookup.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"dealbase/internal/models"
	"dealbase/internal/repository"
)

type dealShard struct {
	mu        sync.Mutex
	deal      models.Deal
	head      models.DealHead
	docs      []models.Document
	snapshots []models.FinancialSnapshot
	runs      []models.ValuationRun
	audit     []models.AuditEvent
	assume    *models.RentRollAssumptions
}

type Store struct {
	mu      sync.RWMutex
	deals   map[uint64]*dealShard
	slugs   map[string]uint64
	docDeal map[uint64]uint64
	runDeal map[string]uint64

	nextDeal     uint64
	nextDoc      uint64
	nextSnapshot uint64
	nextAudit    uint64

	now func() time.Time
}

func New() *Store {
	return &Store{
		deals:   make(map[uint64]*dealShard),
		slugs:   make(map[string]uint64),
		docDeal: make(map[uint64]uint64),
		runDeal: make(map[string]uint64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) shard(dealID uint64) *dealShard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deals[dealID]
}

func (s *Store) nextID(counter *uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
	return *counter
}

// --- deals ------------------------------------------------------------------

func (s *Store) CreateDeal(_ context.Context, deal *models.Deal) error {
	if deal == nil {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.slugs[deal.Slug]; taken && deal.Slug != "" {
		return repository.ErrDuplicateKey
	}
	s.nextDeal++
	deal.ID = s.nextDeal
	if deal.Status == "" {
		deal.Status = models.DealStatusDraft
	}
	deal.CreatedAt = now
	deal.UpdatedAt = now
	s.deals[deal.ID] = &dealShard{
		deal: *deal,
		head: models.DealHead{DealID: deal.ID, UpdatedAt: now},
	}
	if deal.Slug != "" {
		s.slugs[deal.Slug] = deal.ID
	}
	return nil
}

func (s *Store) GetDealByID(_ context.Context, id uint64) (*models.Deal, error) {
	sh := s.shard(id)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := sh.deal
	return &out, nil
}

func (s *Store) GetDealBySlug(ctx context.Context, slug string) (*models.Deal, error) {
	s.mu.RLock()
	id, ok := s.slugs[strings.TrimSpace(slug)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetDealByID(ctx, id)
}

func (s *Store) filterDeals(params repository.ListDealsParams) []models.Deal {
	s.mu.RLock()
	shards := make([]*dealShard, 0, len(s.deals))
	for _, sh := range s.deals {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	out := make([]models.Deal, 0, len(shards))
	for _, sh := range shards {
		sh.mu.Lock()
		d := sh.deal
		sh.mu.Unlock()
		if params.Status != nil && strings.TrimSpace(*params.Status) != "" && d.Status != strings.TrimSpace(*params.Status) {
			continue
		}
		if params.City != nil && strings.TrimSpace(*params.City) != "" && !strings.EqualFold(d.City, strings.TrimSpace(*params.City)) {
			continue
		}
		if params.Query != nil && strings.TrimSpace(*params.Query) != "" {
			q := strings.ToLower(strings.TrimSpace(*params.Query))
			if !strings.Contains(strings.ToLower(d.Name), q) && !strings.Contains(strings.ToLower(d.Address), q) {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

func (s *Store) ListDeals(_ context.Context, params repository.ListDealsParams) ([]models.Deal, error) {
	items := s.filterDeals(params)
	less := func(a, b models.Deal) bool {
		switch params.OrderBy {
		case "name":
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case "created_at":
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case "id":
		default:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		}
		return a.ID < b.ID
	}
	asc := params.Asc != nil && *params.Asc
	sort.Slice(items, func(i, j int) bool {
		if asc {
			return less(items[i], items[j])
		}
		return less(items[j], items[i])
	})
	return page(items, params.Limit, params.Offset, 50), nil
}

func (s *Store) CountDeals(_ context.Context, params repository.ListDealsParams) (int64, error) {
	return int64(len(s.filterDeals(params))), nil
}

func (s *Store) UpdateDeal(_ context.Context, id uint64, update repository.DealUpdate) error {
	sh := s.shard(id)
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&sh.deal.Name, update.Name)
	set(&sh.deal.PropertyType, update.PropertyType)
	set(&sh.deal.Address, update.Address)
	set(&sh.deal.City, update.City)
	set(&sh.deal.State, update.State)
	set(&sh.deal.ZipCode, update.ZipCode)
	set(&sh.deal.Description, update.Description)
	set(&sh.deal.Status, update.Status)
	sh.deal.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteDeal(_ context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.deals[id]
	if !ok {
		return false, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(s.deals, id)
	delete(s.slugs, sh.deal.Slug)
	for _, d := range sh.docs {
		delete(s.docDeal, d.ID)
	}
	for _, r := range sh.runs {
		delete(s.runDeal, r.ID)
	}
	return true, nil
}

// --- documents --------------------------------------------------------------

func (s *Store) InsertDocument(_ context.Context, doc *models.Document) error {
	if doc == nil {
		return nil
	}
	sh := s.shard(doc.DealID)
	if sh == nil {
		return repository.ErrForeignKey
	}
	id := s.nextID(&s.nextDoc)
	sh.mu.Lock()
	doc.ID = id
	doc.CreatedAt = s.now()
	sh.docs = append(sh.docs, *doc)
	sh.mu.Unlock()

	s.mu.Lock()
	s.docDeal[id] = doc.DealID
	s.mu.Unlock()
	return nil
}

func (s *Store) docShard(id uint64) *dealShard {
	s.mu.RLock()
	dealID, ok := s.docDeal[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.shard(dealID)
}

func (s *Store) GetDocumentByID(_ context.Context, id uint64) (*models.Document, error) {
	sh := s.docShard(id)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, d := range sh.docs {
		if d.ID == id {
			out := d
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) ListDocumentsByDeal(_ context.Context, dealID uint64) ([]models.Document, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]models.Document, len(sh.docs))
	copy(out, sh.docs)
	return out, nil
}

func (s *Store) SupersedeDocument(_ context.Context, id, by uint64) (bool, error) {
	sh := s.docShard(id)
	if sh == nil {
		return false, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := range sh.docs {
		if sh.docs[i].ID != id {
			continue
		}
		if sh.docs[i].SupersededBy != nil {
			return false, nil
		}
		v := by
		sh.docs[i].SupersededBy = &v
		return true, nil
	}
	return false, nil
}

// --- snapshots --------------------------------------------------------------

func (s *Store) GetDealHead(_ context.Context, dealID uint64) (*models.DealHead, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := sh.head
	return &out, nil
}

func (s *Store) AppendSnapshot(_ context.Context, snap *models.FinancialSnapshot, expectedVersion int64) (bool, error) {
	if snap == nil {
		return false, nil
	}
	sh := s.shard(snap.DealID)
	if sh == nil {
		return false, nil
	}
	id := s.nextID(&s.nextSnapshot)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.head.CurrentVersion != expectedVersion {
		return false, nil
	}
	for _, existing := range sh.snapshots {
		if existing.Version == snap.Version {
			return false, repository.ErrDuplicateKey
		}
	}
	now := s.now()
	snap.ID = id
	snap.CreatedAt = now
	sh.snapshots = append(sh.snapshots, *snap)
	sh.head.CurrentVersion = snap.Version
	sh.head.UpdatedAt = now
	return true, nil
}

func (s *Store) GetCurrentSnapshot(_ context.Context, dealID uint64) (*models.FinancialSnapshot, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return findSnapshot(sh.snapshots, sh.head.CurrentVersion), nil
}

func (s *Store) GetSnapshot(_ context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return findSnapshot(sh.snapshots, version), nil
}

func findSnapshot(items []models.FinancialSnapshot, version int64) *models.FinancialSnapshot {
	if version <= 0 {
		return nil
	}
	for i := range items {
		if items[i].Version == version {
			out := items[i]
			return &out
		}
	}
	return nil
}

func (s *Store) ListSnapshots(_ context.Context, params repository.ListSnapshotsParams) ([]models.SnapshotSummary, error) {
	sh := s.shard(params.DealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	items := make([]models.SnapshotSummary, 0, len(sh.snapshots))
	for _, snap := range sh.snapshots {
		items = append(items, models.SnapshotSummary{
			Version:      snap.Version,
			UnitCount:    snap.UnitCount,
			TotalRent:    snap.TotalRent,
			Checksum:     snap.Checksum,
			RestoredFrom: snap.RestoredFrom,
			CreatedAt:    snap.CreatedAt,
		})
	}
	sh.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Version > items[j].Version })
	return page(items, params.Limit, params.Offset, 50), nil
}

// --- valuation runs ---------------------------------------------------------

func (s *Store) ClaimRunSlot(_ context.Context, run *models.ValuationRun) (bool, string, error) {
	if run == nil {
		return false, "", nil
	}
	sh := s.shard(run.DealID)
	if sh == nil {
		return false, "", nil
	}
	sh.mu.Lock()
	if sh.head.ActiveRunID != nil {
		active := *sh.head.ActiveRunID
		sh.mu.Unlock()
		return false, active, nil
	}
	now := s.now()
	id := run.ID
	sh.head.ActiveRunID = &id
	sh.head.RunCount++
	sh.head.UpdatedAt = now
	run.Sequence = sh.head.RunCount
	run.UpdatedAt = now
	sh.runs = append(sh.runs, *run)
	sh.mu.Unlock()

	s.mu.Lock()
	s.runDeal[run.ID] = run.DealID
	s.mu.Unlock()
	return true, "", nil
}

func (s *Store) runShard(id string) *dealShard {
	s.mu.RLock()
	dealID, ok := s.runDeal[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.shard(dealID)
}

func (s *Store) TransitionRun(_ context.Context, t repository.RunTransition) (bool, error) {
	sh := s.runShard(t.RunID)
	if sh == nil {
		return false, nil
	}
	at := t.At
	if at.IsZero() {
		at = s.now()
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := range sh.runs {
		r := &sh.runs[i]
		if r.ID != t.RunID {
			continue
		}
		if r.Status != t.From {
			return false, nil
		}
		stamp := at
		r.Status = t.To
		r.UpdatedAt = at
		switch t.To {
		case models.RunStatusRunning:
			r.StartedAt = &stamp
		case models.RunStatusCompleted:
			r.CompletedAt = &stamp
			r.Results = t.Results
		case models.RunStatusFailed:
			r.FailedAt = &stamp
			r.Error = t.Error
		}
		if models.RunStatusTerminal(t.To) && sh.head.ActiveRunID != nil && *sh.head.ActiveRunID == t.RunID {
			sh.head.ActiveRunID = nil
			sh.head.UpdatedAt = at
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) RecordDispatch(_ context.Context, runID string, at time.Time, dispatchErr *string) error {
	sh := s.runShard(runID)
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := range sh.runs {
		r := &sh.runs[i]
		if r.ID != runID {
			continue
		}
		r.DispatchAttempts++
		r.LastDispatchError = dispatchErr
		r.UpdatedAt = at
		if dispatchErr == nil {
			stamp := at
			r.DispatchedAt = &stamp
		}
		return nil
	}
	return nil
}

func (s *Store) GetRunByID(_ context.Context, id string) (*models.ValuationRun, error) {
	sh := s.runShard(id)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, r := range sh.runs {
		if r.ID == id {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) GetLatestRunByDeal(_ context.Context, dealID uint64) (*models.ValuationRun, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.runs) == 0 {
		return nil, nil
	}
	out := sh.runs[len(sh.runs)-1]
	return &out, nil
}

func (s *Store) filterRuns(params repository.ListRunsParams) []models.ValuationRun {
	var shards []*dealShard
	if params.DealID != nil {
		if sh := s.shard(*params.DealID); sh != nil {
			shards = append(shards, sh)
		}
	} else {
		s.mu.RLock()
		for _, sh := range s.deals {
			shards = append(shards, sh)
		}
		s.mu.RUnlock()
	}
	statuses := make(map[string]struct{}, len(params.Statuses))
	for _, st := range params.Statuses {
		statuses[strings.TrimSpace(st)] = struct{}{}
	}
	var out []models.ValuationRun
	for _, sh := range shards {
		sh.mu.Lock()
		for _, r := range sh.runs {
			if len(statuses) > 0 {
				if _, ok := statuses[r.Status]; !ok {
					continue
				}
			}
			out = append(out, r)
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *Store) ListRuns(_ context.Context, params repository.ListRunsParams) ([]models.ValuationRun, error) {
	items := s.filterRuns(params)
	asc := params.Asc != nil && *params.Asc
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if params.OrderBy == "queued_at" && !a.QueuedAt.Equal(b.QueuedAt) {
			if asc {
				return a.QueuedAt.Before(b.QueuedAt)
			}
			return a.QueuedAt.After(b.QueuedAt)
		}
		if a.Sequence != b.Sequence {
			if asc {
				return a.Sequence < b.Sequence
			}
			return a.Sequence > b.Sequence
		}
		return a.DealID < b.DealID
	})
	return page(items, params.Limit, params.Offset, 50), nil
}

func (s *Store) CountRuns(_ context.Context, params repository.ListRunsParams) (int64, error) {
	return int64(len(s.filterRuns(params))), nil
}

// --- audit ------------------------------------------------------------------

func (s *Store) InsertAuditEvent(_ context.Context, event *models.AuditEvent) error {
	if event == nil {
		return nil
	}
	sh := s.shard(event.DealID)
	if sh == nil {
		return repository.ErrForeignKey
	}
	id := s.nextID(&s.nextAudit)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	event.ID = id
	event.CreatedAt = s.now()
	sh.audit = append(sh.audit, *event)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, params repository.ListAuditEventsParams) ([]models.AuditEvent, error) {
	sh := s.shard(params.DealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	items := make([]models.AuditEvent, 0, len(sh.audit))
	for i := len(sh.audit) - 1; i >= 0; i-- {
		e := sh.audit[i]
		if params.EventType != nil && *params.EventType != "" && e.EventType != *params.EventType {
			continue
		}
		items = append(items, e)
	}
	sh.mu.Unlock()
	return page(items, params.Limit, params.Offset, 100), nil
}

func page[T any](items []T, limit, offset, fallback int) []T {
	if limit <= 0 {
		limit = fallback
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var _ repository.Repository = (*Store)(nil)

// --- assumptions ------------------------------------------------------------

func (s *Store) GetRentRollAssumptions(_ context.Context, dealID uint64) (*models.RentRollAssumptions, error) {
	sh := s.shard(dealID)
	if sh == nil {
		return nil, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.assume == nil {
		return nil, nil
	}
	out := *sh.assume
	out.ProFormaRents = append(out.ProFormaRents[:0:0], sh.assume.ProFormaRents...)
	out.Stored = true
	return &out, nil
}

func (s *Store) UpsertRentRollAssumptions(_ context.Context, a *models.RentRollAssumptions) error {
	if a == nil {
		return nil
	}
	sh := s.shard(a.DealID)
	if sh == nil {
		return repository.ErrForeignKey
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.now()
	stored := *a
	stored.ProFormaRents = append(a.ProFormaRents[:0:0], a.ProFormaRents...)
	stored.CreatedAt = now
	if sh.assume != nil {
		stored.CreatedAt = sh.assume.CreatedAt
	}
	stored.UpdatedAt = now
	sh.assume = &stored
	a.CreatedAt, a.UpdatedAt, a.Stored = stored.CreatedAt, now, true
	return nil
}
