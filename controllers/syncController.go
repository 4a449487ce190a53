package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"shopmetrics-backend/middlewares"
	"shopmetrics-backend/models"
	"shopmetrics-backend/syncer"
	"shopmetrics-backend/utils"
)

// maxLogPageSize bounds GET /api/sync/logs pagination.
const maxLogPageSize = 200

// JobStarter is the slice of the orchestrator the HTTP surface needs.
type JobStarter interface {
	StartJob(ctx context.Context, job syncer.Job) (string, error)
	Running() []syncer.RunningJob
}

// RunLog reads the sync audit trail.
type RunLog interface {
	ListRuns(ctx context.Context, storeID string, limit, offset int) ([]models.SyncRun, error)
	LastAggregates(ctx context.Context) ([]models.SyncRun, error)
}

type SyncTriggerDTO struct {
	Kind    string `json:"kind" validate:"required"`
	StoreID string `json:"store_id" validate:"omitempty,uuid4"`
}

// POST /api/sync
//
// Answers 202 with the run id as soon as the job is admitted; progress is
// visible under /api/sync/status and the outcome under /api/sync/logs.
func TriggerSync(jobs JobStarter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in SyncTriggerDTO
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		if !syncer.ValidKind(in.Kind) {
			return fiber.NewError(fiber.StatusBadRequest, "unknown sync kind")
		}

		runID, err := jobs.StartJob(c.Context(), syncer.Job{
			Name:    "manual-" + in.Kind,
			Kind:    in.Kind,
			StoreID: in.StoreID,
		})
		if err != nil {
			if errors.Is(err, syncer.ErrAlreadyRunning) {
				return fiber.NewError(fiber.StatusConflict, "sync already running")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "could not start sync")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": runID})
	}
}

// GET /api/sync/status
func SyncStatus(jobs JobStarter, runs RunLog) fiber.Handler {
	return func(c *fiber.Ctx) error {
		last, err := runs.LastAggregates(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}
		return c.JSON(fiber.Map{
			"running":   jobs.Running(),
			"last_runs": last,
		})
	}
}

// GET /api/sync/logs?store_id=&limit=&offset=
func SyncLogs(runs RunLog) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := utils.ParseIntDefault(c.Query("limit"), 50)
		if limit < 1 {
			limit = 1
		}
		if limit > maxLogPageSize {
			limit = maxLogPageSize
		}
		offset := utils.ParseIntDefault(c.Query("offset"), 0)

		list, err := runs.ListRuns(c.Context(), c.Query("store_id"), limit, offset)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}
		return c.JSON(list)
	}
}
