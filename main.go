package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"go.uber.org/zap"

	"shopmetrics-backend/config"
	"shopmetrics-backend/database"
	"shopmetrics-backend/logging"
	"shopmetrics-backend/middlewares"
	"shopmetrics-backend/oauthstate"
	"shopmetrics-backend/provider"
	"shopmetrics-backend/ratelimit"
	"shopmetrics-backend/routes"
	"shopmetrics-backend/storelock"
	"shopmetrics-backend/syncer"
	"shopmetrics-backend/vault"
)

// cleanupInterval is how often the in-memory limiters sweep dead entries.
const cleanupInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	// ---- Database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ---- Token vault + JWT signing
	vlt, err := vault.New(cfg.Vault.Key)
	if err != nil {
		logger.Fatal("vault init failed", zap.Error(err))
	}
	middlewares.SetJWTSecret([]byte(cfg.JWT.Secret))

	// ---- Repositories
	stores := database.NewStoreRepo(db)
	runs := database.NewRunRepo(db)
	states := database.NewStateRepo(db)
	idem := database.NewIdempotencyRepo(db)

	// ---- Platform client + OAuth linking
	platform := provider.NewClient(provider.Config{
		AuthBaseURL:  cfg.Provider.AuthBaseURL,
		APIBaseURL:   cfg.Provider.APIBaseURL,
		ClientKey:    cfg.Provider.ClientKey,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURL:  cfg.Provider.RedirectURL,
		Scopes:       cfg.Provider.Scopes,
		Timeout:      cfg.Provider.Timeout,
	})
	links := oauthstate.NewManager(cfg.Vault.StateSecret, states, platform)

	// ---- Limiters (shared by middleware and the login path)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	attempts := ratelimit.NewAuthLimiter(cfg.AuthLimit.MaxAttempts, cfg.AuthLimit.Window, cfg.AuthLimit.Block)

	// ---- Sync machinery
	locks := storelock.NewManager()
	storeSyncer := syncer.NewStoreSyncer(syncer.StoreSyncerConfig{
		Store:      stores,
		Platform:   platform,
		Vault:      vlt,
		VideoLimit: cfg.Sync.VideoLimit,
		Logger:     logger,
	})
	orchestrator := syncer.NewOrchestrator(syncer.Config{
		Stores:      stores,
		Runs:        runs,
		Locks:       locks,
		Sync:        storeSyncer.Sync,
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger,
	})

	// ---- Background work, stopped on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go limiter.RunCleanup(ctx, cleanupInterval)
	go attempts.RunCleanup(ctx, cleanupInterval)

	scheduler := syncer.NewScheduler(syncer.SchedulerConfig{
		Runner:       orchestrator,
		States:       links,
		SyncInterval: cfg.Sync.Interval,
		Logger:       logger,
	})
	go scheduler.Run(ctx)

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.NewErrorHandler(logger),
		BodyLimit:    cfg.BodyLimitBytes,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key",
	}))

	routes.Register(app, routes.Deps{
		DB:           db,
		Stores:       stores,
		Runs:         runs,
		Idem:         idem,
		States:       links,
		Vault:        vlt,
		Orchestrator: orchestrator,
		Limiter:      limiter,
		Attempts:     attempts,
	})

	go func() {
		<-ctx.Done()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.Info("api server starting", zap.String("port", cfg.Port))
	if err := app.Listen(":" + cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
