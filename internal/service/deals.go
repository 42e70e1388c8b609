package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/repository"
)

type DealService struct {
	Repo   repository.DealRepository
	Audit  *audit.Recorder
	Logger *zap.Logger
}

type CreateDealInput struct {
	Name         string
	PropertyType string
	Address      string
	City         string
	State        string
	ZipCode      string
	Description  string
	Status       string
}

type ListDealsInput struct {
	Limit   int
	Offset  int
	Status  string
	City    string
	Query   string
	OrderBy string
	Asc     bool
}

var dealOrderColumns = map[string]string{
	"":           "updated_at",
	"updated_at": "updated_at",
	"created_at": "created_at",
	"name":       "name",
	"id":         "id",
}

const maxSlugAttempts = 20

func (s *DealService) Create(ctx context.Context, in CreateDealInput) (*models.Deal, error) {
	const op = "service.CreateDeal"
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidInput(op, "name is required")
	}
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = models.DealStatusDraft
	}
	if !models.ValidDealStatus(status) {
		return nil, apperr.InvalidInput(op, "unknown status %q", in.Status)
	}

	base := Slugify(name)
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := base
		if attempt > 1 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}
		deal := &models.Deal{
			Name:         name,
			Slug:         slug,
			PropertyType: strings.TrimSpace(in.PropertyType),
			Address:      strings.TrimSpace(in.Address),
			City:         strings.TrimSpace(in.City),
			State:        strings.TrimSpace(in.State),
			ZipCode:      strings.TrimSpace(in.ZipCode),
			Description:  strings.TrimSpace(in.Description),
			Status:       status,
		}
		err := s.Repo.CreateDeal(ctx, deal)
		if errors.Is(err, repository.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log().Info("deal created", zap.Uint64("deal_id", deal.ID), zap.String("slug", deal.Slug))
		s.Audit.Record(ctx, deal.ID, models.AuditDealCreated, fmt.Sprintf("deal %q created", deal.Name),
			map[string]any{"slug": deal.Slug, "status": deal.Status})
		return deal, nil
	}
	return nil, apperr.Conflict(op, "no free slug for %q", name)
}

func (s *DealService) Get(ctx context.Context, id uint64) (*models.Deal, error) {
	deal, err := s.Repo.GetDealByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound("service.GetDeal", "deal %d", id)
	}
	return deal, nil
}

func (s *DealService) GetBySlug(ctx context.Context, slug string) (*models.Deal, error) {
	deal, err := s.Repo.GetDealBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound("service.GetDealBySlug", "deal %q", slug)
	}
	return deal, nil
}

func (s *DealService) List(ctx context.Context, in ListDealsInput) ([]models.Deal, int64, error) {
	column, ok := dealOrderColumns[strings.TrimSpace(in.OrderBy)]
	if !ok {
		return nil, 0, apperr.InvalidInput("service.ListDeals", "cannot order by %q", in.OrderBy)
	}
	asc := in.Asc
	params := repository.ListDealsParams{
		Limit:   in.Limit,
		Offset:  in.Offset,
		Status:  optional(in.Status),
		City:    optional(in.City),
		Query:   optional(in.Query),
		OrderBy: column,
		Asc:     &asc,
	}
	items, err := s.Repo.ListDeals(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Repo.CountDeals(ctx, params)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update applies the non-nil fields of update.
func (s *DealService) Update(ctx context.Context, id uint64, update repository.DealUpdate) (*models.Deal, error) {
	const op = "service.UpdateDeal"
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, apperr.InvalidInput(op, "name must not be empty")
	}
	if update.Status != nil && !models.ValidDealStatus(strings.TrimSpace(*update.Status)) {
		return nil, apperr.InvalidInput(op, "unknown status %q", *update.Status)
	}
	if err := s.Repo.UpdateDeal(ctx, id, update); err != nil {
		return nil, err
	}
	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated.Status != current.Status {
		s.Audit.Record(ctx, id, models.AuditDealStatusChanged,
			fmt.Sprintf("status changed from %s to %s", current.Status, updated.Status),
			map[string]any{"from": current.Status, "to": updated.Status})
	}
	return updated, nil
}

func (s *DealService) UpdateStatus(ctx context.Context, id uint64, status string) (*models.Deal, error) {
	return s.Update(ctx, id, repository.DealUpdate{Status: &status})
}

func (s *DealService) Delete(ctx context.Context, id uint64) error {
	deleted, err := s.Repo.DeleteDeal(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.NotFound("service.DeleteDeal", "deal %d", id)
	}
	s.log().Info("deal deleted", zap.Uint64("deal_id", id))
	return nil
}

func (s *DealService) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
