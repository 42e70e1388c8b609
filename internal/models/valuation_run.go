package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

func RunStatusTerminal(s string) bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

func RunStatusActive(s string) bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// ValuationRun is one computation attempt against a fixed snapshot version.
// Status only moves queued -> running -> completed|failed.
type ValuationRun struct {
	ID       string `gorm:"type:varchar(36);primaryKey" json:"id"`
	DealID   uint64 `gorm:"not null;index:idx_run_deal_seq,priority:1" json:"deal_id"`
	Sequence int64  `gorm:"not null;index:idx_run_deal_seq,priority:2" json:"sequence"`
	Name     string `gorm:"type:varchar(200)" json:"name,omitempty"`

	SnapshotVersion int64  `gorm:"not null" json:"snapshot_version"`
	Status          string `gorm:"type:varchar(20);not null;default:'queued';index" json:"status"`

	Assumptions datatypes.JSON `gorm:"type:jsonb" json:"assumptions,omitempty"`
	Results     datatypes.JSON `gorm:"type:jsonb" json:"results,omitempty"`
	Error       *string        `gorm:"type:text" json:"error,omitempty"`
	RetryOf     *string        `gorm:"type:varchar(36)" json:"retry_of,omitempty"`

	DispatchAttempts  int        `gorm:"not null;default:0" json:"dispatch_attempts"`
	DispatchedAt      *time.Time `gorm:"type:timestamptz" json:"dispatched_at,omitempty"`
	LastDispatchError *string    `gorm:"type:text" json:"last_dispatch_error,omitempty"`

	QueuedAt    time.Time  `gorm:"type:timestamptz;not null" json:"queued_at"`
	StartedAt   *time.Time `gorm:"type:timestamptz" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"type:timestamptz" json:"completed_at,omitempty"`
	FailedAt    *time.Time `gorm:"type:timestamptz" json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (ValuationRun) TableName() string {
	return "valuation_runs"
}
