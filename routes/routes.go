package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"shopmetrics-backend/controllers"
	"shopmetrics-backend/database"
	"shopmetrics-backend/middlewares"
	"shopmetrics-backend/oauthstate"
	"shopmetrics-backend/ratelimit"
	"shopmetrics-backend/syncer"
	"shopmetrics-backend/vault"
)

// Deps carries everything the HTTP surface needs. Built once in main.
type Deps struct {
	DB           *gorm.DB
	Stores       *database.StoreRepo
	Runs         *database.RunRepo
	Idem         *database.IdempotencyRepo
	States       *oauthstate.Manager
	Vault        *vault.Vault
	Orchestrator *syncer.Orchestrator
	Limiter      *ratelimit.Limiter
	Attempts     *ratelimit.AuthLimiter
}

// Register wires all HTTP routes.
func Register(app *fiber.App, d Deps) {
	api := app.Group("/api")

	// Every endpoint shares the per-IP request limiter.
	api.Use(middlewares.RateLimit(d.Limiter))

	// Public auth endpoints
	api.Post("/registration", controllers.Register(d.DB))
	api.Post("/login", controllers.Login(d.DB, d.Attempts))
	api.Post("/logout", controllers.Logout())

	// Public OAuth callback (the platform redirects here, no JWT attached)
	api.Get("/oauth/callback", controllers.OAuthCallback(d.Stores, d.States, d.Vault))

	// Protected endpoints (JWT auth)
	protected := api.Group("")
	protected.Use(middlewares.IsAuthenticatedHeader())

	// Idempotency guard for mutating endpoints
	protected.Use(middlewares.Idempotency(d.Idem))

	// Stores
	protected.Post("/stores", controllers.CreateStore(d.Stores))
	protected.Get("/stores", controllers.GetStores(d.Stores))
	protected.Get("/stores/:id", controllers.GetStore(d.Stores))
	protected.Patch("/stores/:id", controllers.UpdateStore(d.Stores))
	protected.Get("/stores/:id/connect", controllers.ConnectStore(d.Stores, d.States))

	// Sync
	protected.Post("/sync", controllers.TriggerSync(d.Orchestrator))
	protected.Get("/sync/status", controllers.SyncStatus(d.Orchestrator, d.Runs))
	protected.Get("/sync/logs", controllers.SyncLogs(d.Runs))
}
