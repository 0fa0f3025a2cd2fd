package database

import (
	"fmt"

	"gorm.io/gorm"

	"estimo/server/internal/models"
)

// MigrateSchema creates or updates every table the server reads or writes.
func MigrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&transactionRow{},
		&zoneStatsRow{},
		&priceHistoryRow{},
		&models.EstimationRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Bounding-box prefilter of radius searches
	err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_transactions_coordinates
		ON transactions(latitude, longitude);
	`).Error
	if err != nil {
		return fmt.Errorf("failed to create coordinates index: %w", err)
	}

	return nil
}

func (d *Database) RunMigrations() error {
	if err := MigrateSchema(d.db); err != nil {
		return err
	}
	d.logger.Info("Database migrations completed")
	return nil
}
