package database

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopmetrics-backend/models"
)

// StoreRepo persists stores, their encrypted credentials and their stat
// snapshots.
type StoreRepo struct {
	db *gorm.DB
}

func NewStoreRepo(db *gorm.DB) *StoreRepo {
	return &StoreRepo{db: db}
}

// StoreWithStatus is a store joined with its connection state, for
// listings. Stores that never linked report DISCONNECTED.
type StoreWithStatus struct {
	models.Store
	Status       models.ConnectionStatus `json:"status"`
	LastSyncedAt *time.Time              `json:"last_synced_at"`
}

func (r *StoreRepo) CreateStore(ctx context.Context, store *models.Store) error {
	return r.db.WithContext(ctx).Create(store).Error
}

func (r *StoreRepo) GetStore(ctx context.Context, id string) (*models.Store, error) {
	var store models.Store
	if err := r.db.WithContext(ctx).First(&store, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &store, nil
}

// UpdateStore applies a partial update built from the non-nil fields of an
// update DTO.
func (r *StoreRepo) UpdateStore(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&models.Store{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetProviderShopID backfills the platform shop id once the OAuth callback
// learns it.
func (r *StoreRepo) SetProviderShopID(ctx context.Context, id, shopID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Store{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"provider_shop_id": shopID}).Error
}

func (r *StoreRepo) GetStoreWithStatus(ctx context.Context, id string) (*StoreWithStatus, error) {
	var row StoreWithStatus
	err := r.db.WithContext(ctx).
		Model(&models.Store{}).
		Select("stores.*, store_credentials.status AS status, store_credentials.last_synced_at AS last_synced_at").
		Joins("LEFT JOIN store_credentials ON store_credentials.store_id = stores.id").
		Where("stores.id = ?", id).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Status == "" {
		row.Status = models.ConnectionDisconnected
	}
	return &row, nil
}

func (r *StoreRepo) ListStores(ctx context.Context) ([]StoreWithStatus, error) {
	var rows []StoreWithStatus
	err := r.db.WithContext(ctx).
		Model(&models.Store{}).
		Select("stores.*, store_credentials.status AS status, store_credentials.last_synced_at AS last_synced_at").
		Joins("LEFT JOIN store_credentials ON store_credentials.store_id = stores.id").
		Order("stores.created_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Status == "" {
			rows[i].Status = models.ConnectionDisconnected
		}
	}
	return rows, nil
}

// ListEligible returns the stores whose credentials are CONNECTED, the
// population a full sync fans out over.
func (r *StoreRepo) ListEligible(ctx context.Context) ([]models.Store, error) {
	var stores []models.Store
	err := r.db.WithContext(ctx).
		Joins("JOIN store_credentials ON store_credentials.store_id = stores.id").
		Where("store_credentials.status = ?", models.ConnectionConnected).
		Order("stores.created_at").
		Find(&stores).Error
	return stores, err
}

// UpsertCredential inserts or replaces the credential row for a store.
// Linking the same store again overwrites the previous token blobs.
func (r *StoreRepo) UpsertCredential(ctx context.Context, cred *models.StoreCredential) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "store_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_token", "refresh_token", "access_expires_at",
				"refresh_expires_at", "status", "updated_at",
			}),
		}).
		Create(cred).Error
}

func (r *StoreRepo) GetCredential(ctx context.Context, storeID string) (*models.StoreCredential, error) {
	var cred models.StoreCredential
	if err := r.db.WithContext(ctx).First(&cred, "store_id = ?", storeID).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

// UpdateTokens persists a rotated token bundle and marks the credential
// CONNECTED. Empty refresh values keep the stored ones, since the platform
// does not always rotate the refresh token.
func (r *StoreRepo) UpdateTokens(ctx context.Context, storeID string, access, refresh []byte, accessExp, refreshExp time.Time) error {
	updates := map[string]interface{}{
		"access_token":      access,
		"access_expires_at": accessExp,
		"status":            models.ConnectionConnected,
	}
	if len(refresh) > 0 {
		updates["refresh_token"] = refresh
	}
	if !refreshExp.IsZero() {
		updates["refresh_expires_at"] = refreshExp
	}

	res := r.db.WithContext(ctx).
		Model(&models.StoreCredential{}).
		Where("store_id = ?", storeID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *StoreRepo) SetCredentialStatus(ctx context.Context, storeID string, status models.ConnectionStatus) error {
	res := r.db.WithContext(ctx).
		Model(&models.StoreCredential{}).
		Where("store_id = ?", storeID).
		Updates(map[string]interface{}{"status": status})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *StoreRepo) TouchLastSynced(ctx context.Context, storeID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.StoreCredential{}).
		Where("store_id = ?", storeID).
		Updates(map[string]interface{}{"last_synced_at": at}).Error
}

func (r *StoreRepo) InsertUserStats(ctx context.Context, row *models.StoreUserStats) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *StoreRepo) InsertVideoStats(ctx context.Context, rows []models.StoreVideoStats) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&rows, 100).Error
}
