package database

import (
	"context"

	"gorm.io/gorm"

	"shopmetrics-backend/models"
)

// RunRepo persists the append-only sync audit trail.
type RunRepo struct {
	db *gorm.DB
}

func NewRunRepo(db *gorm.DB) *RunRepo {
	return &RunRepo{db: db}
}

// CreateRuns inserts a buffered batch of audit rows in one round-trip.
func (r *RunRepo) CreateRuns(ctx context.Context, runs []models.SyncRun) error {
	if len(runs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&runs, 100).Error
}

// ListRuns returns a page of audit rows, newest first, optionally filtered
// to one store.
func (r *RunRepo) ListRuns(ctx context.Context, storeID string, limit, offset int) ([]models.SyncRun, error) {
	q := r.db.WithContext(ctx).Model(&models.SyncRun{})
	if storeID != "" {
		q = q.Where("store_id = ?", storeID)
	}
	var runs []models.SyncRun
	err := q.Order("started_at DESC").Limit(limit).Offset(offset).Find(&runs).Error
	return runs, err
}

// LastAggregates returns the most recent aggregate row (store_id IS NULL)
// for each job name.
func (r *RunRepo) LastAggregates(ctx context.Context) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := r.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (job_name) *
		     FROM sync_runs
		     WHERE store_id IS NULL
		     ORDER BY job_name, completed_at DESC`).
		Scan(&runs).Error
	return runs, err
}
