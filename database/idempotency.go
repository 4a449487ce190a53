package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"shopmetrics-backend/models"
)

// IdempotencyRepo persists Idempotency-Key records and their stored
// responses.
type IdempotencyRepo struct {
	db *gorm.DB
}

func NewIdempotencyRepo(db *gorm.DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// Claim returns the record for rec.Key, creating a pending one when none
// exists. fresh reports whether this call created it. Two concurrent
// claims of a new key race on the unique index; the loser reads back the
// winner's row.
func (r *IdempotencyRepo) Claim(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, bool, error) {
	var existing models.IdempotencyKey
	err := r.db.WithContext(ctx).Where("key = ?", rec.Key).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if createErr := r.db.WithContext(ctx).Create(rec).Error; createErr != nil {
		if readErr := r.db.WithContext(ctx).Where("key = ?", rec.Key).First(&existing).Error; readErr != nil {
			return nil, false, createErr
		}
		return &existing, false, nil
	}
	return rec, true, nil
}

// Complete stores the response for key.
func (r *IdempotencyRepo) Complete(ctx context.Context, key string, status int, body []byte, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"response_status": status,
			"response_body":   body,
			"completed_at":    &at,
		}).Error
}
