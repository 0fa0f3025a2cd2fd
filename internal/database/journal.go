package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"estimo/server/internal/models"
)

// SaveEstimations writes journal records inside the caller's transaction.
func SaveEstimations(tx *gorm.DB, records []*models.EstimationRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("failed to insert estimation records: %w", err)
	}
	return nil
}

// BatchRecords returns the journaled items of one batch in input order.
func (d *Database) BatchRecords(ctx context.Context, batchID string) ([]models.EstimationRecord, error) {
	var records []models.EstimationRecord
	err := d.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("position ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %s: %w", batchID, err)
	}
	return records, nil
}
