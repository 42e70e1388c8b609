package db

import (
	"dealbase/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Deal{},
		&models.DealHead{},
		&models.Document{},
		&models.FinancialSnapshot{},
		&models.ValuationRun{},
		&models.AuditEvent{},
		&models.RentRollAssumptions{},
	)
}
