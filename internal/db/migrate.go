package db

import (
	"calsync/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.CanonicalEvent{},
		&models.Integration{},
		&models.SyncRecord{},
		&models.QueueItem{},
	)
}
