package database

import (
	"fmt"

	"gorm.io/gorm"

	"shopmetrics-backend/models"
)

// AutoMigrate applies idempotent schema migrations:
// - AutoMigrate (tables/columns/tag indexes)
// - Indexes AutoMigrate cannot express (audit ordering, idempotency keys)
// - Foreign keys from credential/stat rows to stores
// - Basic CHECK constraints on counters
func AutoMigrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.User{},
			&models.Store{},
			&models.StoreCredential{},
			&models.OAuthState{},
			&models.SyncRun{},
			&models.StoreUserStats{},
			&models.StoreVideoStats{},
			&models.IdempotencyKey{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		// --- Helpful indexes (idempotent) ---
		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_sync_runs_job_completed ON sync_runs (job_name, completed_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_runs_store_started ON sync_runs (store_id, started_at DESC)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_keys_key ON idempotency_keys (key)`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}

		// --- Foreign keys: credential and stat rows belong to a store ---
		fks := []struct {
			table, name, stmt string
		}{
			{
				"store_credentials", "fk_store_credentials_store",
				`ALTER TABLE store_credentials ADD CONSTRAINT fk_store_credentials_store
				 FOREIGN KEY (store_id) REFERENCES stores(id) ON UPDATE RESTRICT ON DELETE RESTRICT`,
			},
			{
				"store_user_stats", "fk_store_user_stats_store",
				`ALTER TABLE store_user_stats ADD CONSTRAINT fk_store_user_stats_store
				 FOREIGN KEY (store_id) REFERENCES stores(id) ON UPDATE RESTRICT ON DELETE RESTRICT`,
			},
			{
				"store_video_stats", "fk_store_video_stats_store",
				`ALTER TABLE store_video_stats ADD CONSTRAINT fk_store_video_stats_store
				 FOREIGN KEY (store_id) REFERENCES stores(id) ON UPDATE RESTRICT ON DELETE RESTRICT`,
			},
		}
		for _, fk := range fks {
			wrapped := fmt.Sprintf(`
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_constraint
		WHERE conrelid = '%s'::regclass
		  AND conname  = '%s'
	) THEN
		%s;
	END IF;
END $$;`, fk.table, fk.name, fk.stmt)
			if err := tx.Exec(wrapped).Error; err != nil {
				return fmt.Errorf("foreign key migration failed on %s: %w", fk.name, err)
			}
		}

		// --- Basic CHECK constraints (idempotent) ---
		checks := []string{
			`DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_constraint
					WHERE conrelid = 'sync_runs'::regclass
					  AND conname  = 'chk_sync_runs_totals_nonneg'
				) THEN
					ALTER TABLE sync_runs
					ADD CONSTRAINT chk_sync_runs_totals_nonneg
					CHECK (total >= 0 AND successful >= 0 AND failed >= 0 AND skipped >= 0);
				END IF;
			END $$;`,
			`DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_constraint
					WHERE conrelid = 'store_video_stats'::regclass
					  AND conname  = 'chk_store_video_stats_rate_nonneg'
				) THEN
					ALTER TABLE store_video_stats
					ADD CONSTRAINT chk_store_video_stats_rate_nonneg
					CHECK (engagement_rate >= 0);
				END IF;
			END $$;`,
		}
		for _, stmt := range checks {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("check constraint migration failed: %w", err)
			}
		}

		return nil
	})
}
