package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConnectionStatus tracks whether a store's platform link is usable.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionTokenExpired ConnectionStatus = "TOKEN_EXPIRED"
)

// Store is a storefront registered on the dashboard. The platform link
// (tokens, status) lives in StoreCredential so the store row itself never
// touches secret material.
type Store struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	Name           string    `json:"name" gorm:"not null"`
	ProviderShopID string    `json:"provider_shop_id" gorm:"index"`
	Region         string    `json:"region" gorm:"size:8"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (store *Store) BeforeCreate(tx *gorm.DB) (err error) {
	// UUID version 4
	if store.ID == "" {
		store.ID = uuid.NewString()
	}
	return
}

// StoreCredential holds the encrypted OAuth tokens for one store.
// AccessToken/RefreshToken are vault blobs (nonce+tag+ciphertext), never
// plaintext. Only the OAuth callback and the sync path write this row.
type StoreCredential struct {
	ID               uint             `json:"-" gorm:"primaryKey"`
	StoreID          string           `json:"store_id" gorm:"uniqueIndex;not null"`
	AccessToken      []byte           `json:"-" gorm:"type:bytea"`
	RefreshToken     []byte           `json:"-" gorm:"type:bytea"`
	AccessExpiresAt  time.Time        `json:"access_expires_at"`
	RefreshExpiresAt time.Time        `json:"refresh_expires_at"`
	Status           ConnectionStatus `json:"status" gorm:"size:20;index;default:DISCONNECTED"`
	LastSyncedAt     *time.Time       `json:"last_synced_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
