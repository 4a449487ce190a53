package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncStatus classifies the outcome of a sync run (per store or aggregate).
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
	SyncSkipped SyncStatus = "SKIPPED"
	SyncPartial SyncStatus = "PARTIAL"
)

// SyncRun is an append-only audit row. StoreID is null on the aggregate row
// that summarizes a whole job; per-store rows carry the store id. Rows are
// never updated after insertion.
type SyncRun struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	JobName     string         `json:"job_name" gorm:"size:64;index;not null"`
	Kind        string         `json:"kind" gorm:"size:32"`
	StoreID     *string        `json:"store_id" gorm:"index"`
	Status      SyncStatus     `json:"status" gorm:"size:16;not null"`
	Message     string         `json:"message"`
	ErrorDetail datatypes.JSON `json:"error_detail" gorm:"type:jsonb"`
	Total       int            `json:"total"`
	Successful  int            `json:"successful"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	DurationMS  int64          `json:"duration_ms"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at" gorm:"index"`
}

func (run *SyncRun) BeforeCreate(tx *gorm.DB) (err error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	return
}
