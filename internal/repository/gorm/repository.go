package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dealbase/internal/models"
	"dealbase/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- deals ------------------------------------------------------------------

func (s *Store) CreateDeal(ctx context.Context, deal *models.Deal) error {
	if s == nil || s.db == nil || deal == nil {
		return nil
	}
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(deal).Error; err != nil {
			return err
		}
		return tx.Create(&models.DealHead{DealID: deal.ID}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repository.ErrDuplicateKey
	}
	return err
}

func (s *Store) GetDealByID(ctx context.Context, id uint64) (*models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Deal
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetDealBySlug(ctx context.Context, slug string) (*models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, nil
	}
	var item models.Deal
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) dealsQuery(ctx context.Context, params repository.ListDealsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Deal{})
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.City != nil && strings.TrimSpace(*params.City) != "" {
		query = query.Where("city ILIKE ?", strings.TrimSpace(*params.City))
	}
	if params.Query != nil && strings.TrimSpace(*params.Query) != "" {
		like := "%" + strings.TrimSpace(*params.Query) + "%"
		query = query.Where("name ILIKE ? OR address ILIKE ?", like, like)
	}
	return query
}

func (s *Store) ListDeals(ctx context.Context, params repository.ListDealsParams) ([]models.Deal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.dealsQuery(ctx, params), params.OrderBy, params.Asc, "updated_at")
	var items []models.Deal
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountDeals(ctx context.Context, params repository.ListDealsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.dealsQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) UpdateDeal(ctx context.Context, id uint64, update repository.DealUpdate) error {
	if s == nil || s.db == nil {
		return nil
	}
	updates := map[string]any{"updated_at": time.Now().UTC()}
	setIf := func(col string, v *string) {
		if v != nil {
			updates[col] = strings.TrimSpace(*v)
		}
	}
	setIf("name", update.Name)
	setIf("property_type", update.PropertyType)
	setIf("address", update.Address)
	setIf("city", update.City)
	setIf("state", update.State)
	setIf("zip_code", update.ZipCode)
	setIf("description", update.Description)
	setIf("status", update.Status)
	return s.db.WithContext(ctx).Model(&models.Deal{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DeleteDeal(ctx context.Context, id uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	deleted := false
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		owned := []any{
			&models.RentRollAssumptions{},
			&models.AuditEvent{},
			&models.ValuationRun{},
			&models.FinancialSnapshot{},
			&models.Document{},
			&models.DealHead{},
		}
		for _, model := range owned {
			if err := tx.Where("deal_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", id).Delete(&models.Deal{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

// --- documents --------------------------------------------------------------

func (s *Store) InsertDocument(ctx context.Context, doc *models.Document) error {
	if s == nil || s.db == nil || doc == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Create(doc).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return repository.ErrForeignKey
	}
	return err
}

func (s *Store) GetDocumentByID(ctx context.Context, id uint64) (*models.Document, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Document
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListDocumentsByDeal(ctx context.Context, dealID uint64) ([]models.Document, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Document
	if err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SupersedeDocument(ctx context.Context, id, by uint64) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Document{}).
		Where("id = ? AND superseded_by IS NULL", id).
		Update("superseded_by", by)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- snapshots --------------------------------------------------------------

func (s *Store) GetDealHead(ctx context.Context, dealID uint64) (*models.DealHead, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var head models.DealHead
	if err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Take(&head).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &head, nil
}

var errVersionMoved = errors.New("current version moved")

func (s *Store) AppendSnapshot(ctx context.Context, snap *models.FinancialSnapshot, expectedVersion int64) (bool, error) {
	if s == nil || s.db == nil || snap == nil {
		return false, nil
	}
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.DealHead{}).
			Where("deal_id = ? AND current_version = ?", snap.DealID, expectedVersion).
			Updates(map[string]any{"current_version": snap.Version, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionMoved
		}
		return tx.Create(snap).Error
	})
	if errors.Is(err, errVersionMoved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetCurrentSnapshot(ctx context.Context, dealID uint64) (*models.FinancialSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.FinancialSnapshot
	err := s.db.WithContext(ctx).
		Joins("JOIN deal_heads ON deal_heads.deal_id = financial_snapshots.deal_id AND deal_heads.current_version = financial_snapshots.version").
		Where("financial_snapshots.deal_id = ?", dealID).
		Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetSnapshot(ctx context.Context, dealID uint64, version int64) (*models.FinancialSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.FinancialSnapshot
	if err := s.db.WithContext(ctx).Where("deal_id = ? AND version = ?", dealID, version).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSnapshots(ctx context.Context, params repository.ListSnapshotsParams) ([]models.SnapshotSummary, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SnapshotSummary
	err := s.db.WithContext(ctx).Model(&models.FinancialSnapshot{}).
		Select("version, unit_count, total_rent, checksum, restored_from, created_at").
		Where("deal_id = ?", params.DealID).
		Order("version desc").
		Limit(normalizeLimit(params.Limit, 50)).
		Offset(normalizeOffset(params.Offset)).
		Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- valuation runs ---------------------------------------------------------

func (s *Store) ClaimRunSlot(ctx context.Context, run *models.ValuationRun) (bool, string, error) {
	if s == nil || s.db == nil || run == nil {
		return false, "", nil
	}
	claimed := false
	activeID := ""
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.DealHead{}).
			Where("deal_id = ? AND active_run_id IS NULL", run.DealID).
			Updates(map[string]any{
				"active_run_id": run.ID,
				"run_count":     gorm.Expr("run_count + 1"),
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		var head models.DealHead
		if err := tx.Where("deal_id = ?", run.DealID).Take(&head).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if res.RowsAffected == 0 {
			if head.ActiveRunID != nil {
				activeID = *head.ActiveRunID
			}
			return nil
		}
		run.Sequence = head.RunCount
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return claimed, activeID, nil
}

func (s *Store) TransitionRun(ctx context.Context, t repository.RunTransition) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	moved := false
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{"status": t.To, "updated_at": at}
		switch t.To {
		case models.RunStatusRunning:
			updates["started_at"] = at
		case models.RunStatusCompleted:
			updates["completed_at"] = at
			updates["results"] = t.Results
		case models.RunStatusFailed:
			updates["failed_at"] = at
			updates["error"] = t.Error
		}
		res := tx.Model(&models.ValuationRun{}).
			Where("id = ? AND status = ?", t.RunID, t.From).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true
		if !models.RunStatusTerminal(t.To) {
			return nil
		}
		return tx.Model(&models.DealHead{}).
			Where("deal_id = ? AND active_run_id = ?", t.DealID, t.RunID).
			Updates(map[string]any{"active_run_id": nil, "updated_at": at}).Error
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

func (s *Store) RecordDispatch(ctx context.Context, runID string, at time.Time, dispatchErr *string) error {
	if s == nil || s.db == nil {
		return nil
	}
	updates := map[string]any{
		"dispatch_attempts":   gorm.Expr("dispatch_attempts + 1"),
		"last_dispatch_error": dispatchErr,
		"updated_at":          at,
	}
	if dispatchErr == nil {
		updates["dispatched_at"] = at
	}
	return s.db.WithContext(ctx).Model(&models.ValuationRun{}).Where("id = ?", runID).Updates(updates).Error
}

func (s *Store) GetRunByID(ctx context.Context, id string) (*models.ValuationRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	var item models.ValuationRun
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetLatestRunByDeal(ctx context.Context, dealID uint64) (*models.ValuationRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.ValuationRun
	if err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("sequence desc").Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) runsQuery(ctx context.Context, params repository.ListRunsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.ValuationRun{})
	if params.DealID != nil {
		query = query.Where("deal_id = ?", *params.DealID)
	}
	if statuses := cleanStrings(params.Statuses); len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	return query
}

func (s *Store) ListRuns(ctx context.Context, params repository.ListRunsParams) ([]models.ValuationRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrder(s.runsQuery(ctx, params), params.OrderBy, params.Asc, "sequence")
	var items []models.ValuationRun
	if err := query.Limit(normalizeLimit(params.Limit, 50)).Offset(normalizeOffset(params.Offset)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountRuns(ctx context.Context, params repository.ListRunsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := s.runsQuery(ctx, params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- audit ------------------------------------------------------------------

func (s *Store) InsertAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if s == nil || s.db == nil || event == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *Store) ListAuditEvents(ctx context.Context, params repository.ListAuditEventsParams) ([]models.AuditEvent, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.AuditEvent{}).Where("deal_id = ?", params.DealID)
	if params.EventType != nil && strings.TrimSpace(*params.EventType) != "" {
		query = query.Where("event_type = ?", strings.TrimSpace(*params.EventType))
	}
	var items []models.AuditEvent
	err := query.Order("id desc").
		Limit(normalizeLimit(params.Limit, 100)).
		Offset(normalizeOffset(params.Offset)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, raw := range items {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if _, ok := seen[val]; ok {
			continue
		}
		seen[val] = struct{}{}
		out = append(out, val)
	}
	return out
}

var _ repository.Repository = (*Store)(nil)

// --- assumptions ------------------------------------------------------------

func (s *Store) GetRentRollAssumptions(ctx context.Context, dealID uint64) (*models.RentRollAssumptions, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var a models.RentRollAssumptions
	if err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Take(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	a.Stored = true
	return &a, nil
}

func (s *Store) UpsertRentRollAssumptions(ctx context.Context, a *models.RentRollAssumptions) error {
	if s == nil || s.db == nil || a == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "deal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pro_forma_rents",
			"market_rent_growth",
			"vacancy_rate",
			"turnover_rate",
			"avg_lease_term_months",
			"lease_renewal_rate",
			"marketing_cost_per_unit",
			"turnover_cost_per_unit",
			"updated_at",
		}),
	}).Create(a).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return repository.ErrForeignKey
	}
	if err != nil {
		return err
	}
	a.Stored = true
	return nil
}
