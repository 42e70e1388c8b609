package models

import "time"

const (
	DealStatusDraft     = "draft"
	DealStatusActive    = "active"
	DealStatusCompleted = "completed"
	DealStatusArchived  = "archived"
)

func ValidDealStatus(s string) bool {
	switch s {
	case DealStatusDraft, DealStatusActive, DealStatusCompleted, DealStatusArchived:
		return true
	}
	return false
}

// Deal is a property under underwriting. It owns its documents, snapshots and runs.
type Deal struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"type:varchar(200);not null" json:"name"`
	Slug string `gorm:"type:varchar(220);not null;uniqueIndex" json:"slug"`

	PropertyType string `gorm:"type:varchar(50)" json:"property_type,omitempty"`
	Address      string `gorm:"type:varchar(255)" json:"address,omitempty"`
	City         string `gorm:"type:varchar(100)" json:"city,omitempty"`
	State        string `gorm:"type:varchar(50)" json:"state,omitempty"`
	ZipCode      string `gorm:"type:varchar(20)" json:"zip_code,omitempty"`
	Description  string `gorm:"type:text" json:"description,omitempty"`

	Status string `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime;index" json:"updated_at"`
}

func (Deal) TableName() string {
	return "deals"
}

// DealHead holds the per-deal mutable pointers. Both columns only change
// through conditional updates on their prior value.
type DealHead struct {
	DealID         uint64    `gorm:"primaryKey" json:"deal_id"`
	CurrentVersion int64     `gorm:"not null;default:0" json:"current_version"`
	ActiveRunID    *string   `gorm:"type:varchar(36)" json:"active_run_id,omitempty"`
	RunCount       int64     `gorm:"not null;default:0" json:"run_count"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (DealHead) TableName() string {
	return "deal_heads"
}
