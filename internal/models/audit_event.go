package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditDealCreated        = "deal_created"
	AuditDealStatusChanged  = "deal_status_changed"
	AuditDocumentIngested   = "document_ingested"
	AuditSnapshotPublished  = "snapshot_published"
	AuditSnapshotRestored   = "snapshot_restored"
	AuditValuationSubmitted = "valuation_submitted"
	AuditValuationCompleted = "valuation_completed"
	AuditValuationFailed    = "valuation_failed"
	AuditRunAnomaly         = "valuation_callback_anomaly"
	AuditAssumptionsUpdated = "rentroll_assumptions_updated"
)

type AuditEvent struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	DealID      uint64         `gorm:"not null;index" json:"deal_id"`
	EventType   string         `gorm:"type:varchar(50);not null;index" json:"event_type"`
	Description string         `gorm:"type:text" json:"description"`
	Metadata    datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;autoCreateTime;index" json:"created_at"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}
