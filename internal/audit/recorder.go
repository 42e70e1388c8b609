// Package audit keeps the per-deal activity trail.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"dealbase/internal/models"
	"dealbase/internal/repository"
)

// Recorder writes audit events. Recording is best effort: a storage failure
// is logged and never fails the operation being audited.
type Recorder struct {
	Repo   repository.AuditRepository
	Logger *zap.Logger
}

func (r *Recorder) Record(ctx context.Context, dealID uint64, eventType, description string, meta map[string]any) {
	if r == nil || r.Repo == nil || dealID == 0 {
		return
	}
	event := &models.AuditEvent{
		DealID:      dealID,
		EventType:   eventType,
		Description: description,
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err == nil {
			event.Metadata = datatypes.JSON(raw)
		}
	}
	if err := r.Repo.InsertAuditEvent(ctx, event); err != nil && r.Logger != nil {
		r.Logger.Warn("audit event insert failed",
			zap.Uint64("deal_id", dealID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (r *Recorder) List(ctx context.Context, dealID uint64, eventType string, limit, offset int) ([]models.AuditEvent, error) {
	if r == nil || r.Repo == nil {
		return nil, nil
	}
	params := repository.ListAuditEventsParams{DealID: dealID, Limit: limit, Offset: offset}
	if eventType != "" {
		params.EventType = &eventType
	}
	return r.Repo.ListAuditEvents(ctx, params)
}
