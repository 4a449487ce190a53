package controllers

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"shopmetrics-backend/models"
	"shopmetrics-backend/oauthstate"
	"shopmetrics-backend/provider"
	"shopmetrics-backend/vault"
)

// CredentialStore is the slice of the store repo the linking flow needs.
type CredentialStore interface {
	GetStore(ctx context.Context, id string) (*models.Store, error)
	UpsertCredential(ctx context.Context, cred *models.StoreCredential) error
	SetProviderShopID(ctx context.Context, id, shopID string) error
}

// Linker issues consent URLs and redeems callbacks. Implemented by
// oauthstate.Manager.
type Linker interface {
	IssueAuthURL(ctx context.Context, storeID string) (string, error)
	Exchange(ctx context.Context, code, state string) (*oauth2.Token, string, error)
}

// GET /api/stores/:id/connect
func ConnectStore(stores CredentialStore, links Linker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing store id in path")
		}

		if _, err := stores.GetStore(c.Context(), id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "store not found")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}

		authURL, err := links.IssueAuthURL(c.Context(), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not start linking")
		}

		// Hand the state out separately so the frontend can match the
		// callback against the linking attempt it started.
		state := ""
		if parsed, perr := url.Parse(authURL); perr == nil {
			state = parsed.Query().Get("state")
		}
		return c.JSON(fiber.Map{"auth_url": authURL, "state": state})
	}
}

// GET /api/oauth/callback
//
// The state is burned on first use: a failed exchange needs a fresh
// consent round trip, a replayed callback gets a 400.
func OAuthCallback(stores CredentialStore, links Linker, vlt *vault.Vault) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if denied := c.Query("error"); denied != "" {
			return fiber.NewError(fiber.StatusBadRequest, "authorization denied")
		}
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing code or state")
		}

		token, storeID, err := links.Exchange(c.Context(), code, state)
		if err != nil {
			if errors.Is(err, oauthstate.ErrStateInvalid) {
				return fiber.NewError(fiber.StatusBadRequest, "state invalid or expired")
			}
			return fiber.NewError(fiber.StatusBadGateway, "token exchange failed")
		}

		accessBlob, err := vlt.EncryptString(token.AccessToken)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not secure tokens")
		}
		var refreshBlob []byte
		if token.RefreshToken != "" {
			if refreshBlob, err = vlt.EncryptString(token.RefreshToken); err != nil {
				return fiber.NewError(fiber.StatusInternalServerError, "could not secure tokens")
			}
		}

		cred := &models.StoreCredential{
			StoreID:          storeID,
			AccessToken:      accessBlob,
			RefreshToken:     refreshBlob,
			AccessExpiresAt:  token.Expiry,
			RefreshExpiresAt: provider.RefreshExpiry(token),
			Status:           models.ConnectionConnected,
		}
		if err := stores.UpsertCredential(c.Context(), cred); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not persist credentials")
		}

		// Best effort: remember which platform shop this store maps to.
		if shopID := provider.TokenShopID(token); shopID != "" {
			_ = stores.SetProviderShopID(c.Context(), storeID, shopID)
		}

		return c.JSON(fiber.Map{
			"store_id": storeID,
			"status":   models.ConnectionConnected,
		})
	}
}
