package models

import "time"

// OAuthState is one in-flight authorization handshake. The row is created
// when the authorize URL is issued and deleted exactly once on exchange;
// expired leftovers are purged by the scheduler.
type OAuthState struct {
	ID        uint      `json:"-" gorm:"primaryKey"`
	State     string    `json:"state" gorm:"size:128;uniqueIndex;not null"`
	StoreID   string    `json:"store_id" gorm:"index;not null"`
	Verifier  string    `json:"-" gorm:"size:128;not null"` // PKCE code verifier
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at" gorm:"index"`
}
