package database

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopmetrics-backend/models"
)

// StateRepo persists pending OAuth linking attempts.
type StateRepo struct {
	db *gorm.DB
}

func NewStateRepo(db *gorm.DB) *StateRepo {
	return &StateRepo{db: db}
}

func (r *StateRepo) Create(ctx context.Context, rec *models.OAuthState) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Claim deletes the live row for state and returns it. DELETE..RETURNING
// makes redemption atomic: of N concurrent claims for the same state
// exactly one gets the row back, the rest see nothing.
func (r *StateRepo) Claim(ctx context.Context, state string, now time.Time) (*models.OAuthState, error) {
	var rec models.OAuthState
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("state = ? AND expires_at > ?", state, now).
		Delete(&rec)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (r *StateRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", cutoff).
		Delete(&models.OAuthState{})
	return res.RowsAffected, res.Error
}
