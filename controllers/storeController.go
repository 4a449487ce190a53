package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"shopmetrics-backend/database"
	"shopmetrics-backend/middlewares"
	"shopmetrics-backend/models"
	"shopmetrics-backend/utils"
)

// StoreDirectory is the slice of the store repo the storefront handlers
// need.
type StoreDirectory interface {
	CreateStore(ctx context.Context, store *models.Store) error
	UpdateStore(ctx context.Context, id string, updates map[string]interface{}) error
	GetStoreWithStatus(ctx context.Context, id string) (*database.StoreWithStatus, error)
	ListStores(ctx context.Context) ([]database.StoreWithStatus, error)
}

type StoreCreateDTO struct {
	Name           string `json:"name" validate:"required,min=1"`
	Region         string `json:"region" validate:"omitempty,max=8"`
	ProviderShopID string `json:"provider_shop_id" validate:"omitempty,max=64"`
}

type StoreUpdateDTO struct {
	Name           *string `json:"name" validate:"omitempty,min=1"`
	Region         *string `json:"region" validate:"omitempty,max=8"`
	ProviderShopID *string `json:"provider_shop_id" validate:"omitempty,max=64"`
}

// POST /api/stores
func CreateStore(stores StoreDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in StoreCreateDTO
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		utils.NormalizeDTO(&in)

		store := models.Store{
			Name:           in.Name,
			Region:         in.Region,
			ProviderShopID: in.ProviderShopID,
		}
		if err := stores.CreateStore(c.Context(), &store); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "could not create store")
		}
		return c.Status(fiber.StatusCreated).JSON(store)
	}
}

// PATCH /api/stores/:id
func UpdateStore(stores StoreDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing store id in path")
		}

		var in StoreUpdateDTO
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		utils.NormalizePtrDTO(&in)

		updates := utils.UpdatesFromPtrDTO(&in, nil)
		if len(updates) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "no fields to update")
		}

		if err := stores.UpdateStore(c.Context(), id, updates); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "store not found")
			}
			return fiber.NewError(fiber.StatusBadRequest, "could not update store")
		}

		out, err := stores.GetStoreWithStatus(c.Context(), id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to reload store")
		}
		return c.JSON(out)
	}
}

// GET /api/stores
func GetStores(stores StoreDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := stores.ListStores(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}
		return c.JSON(list)
	}
}

// GET /api/stores/:id
func GetStore(stores StoreDirectory) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Params("id"))
		if id == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing store id in path")
		}

		store, err := stores.GetStoreWithStatus(c.Context(), id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "store not found")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}
		return c.JSON(store)
	}
}
