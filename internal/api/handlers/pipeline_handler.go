package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/scheduler"
	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type SyncRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type PipelineHandler struct {
	runner       SyncRunner
	state        *state.Manager
	audit        storage.AuditStore
	lookbackDays int
	clock        func() time.Time
}

func NewPipelineHandler(runner SyncRunner, manager *state.Manager, audit storage.AuditStore, lookbackDays int) *PipelineHandler {
	return &PipelineHandler{
		runner:       runner,
		state:        manager,
		audit:        audit,
		lookbackDays: lookbackDays,
		clock:        time.Now,
	}
}

type syncRequest struct {
	Table    string   `json:"table"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	ASINs    []string `json:"asins"`
	Keywords []string `json:"keywords"`
}

// TriggerSync serves POST /api/v1/sync. The run is synchronous; a missing
// window defaults to the configured lookback ending today.
func (h *PipelineHandler) TriggerSync(c *fiber.Ctx) error {
	var body syncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return badRequest(c, "Invalid request body")
		}
	}

	req := pipeline.Request{
		Table:    body.Table,
		ASINs:    body.ASINs,
		Keywords: body.Keywords,
		Trigger:  "api",
	}
	req.Start, req.End = scheduler.Window(h.clock(), h.lookbackDays)

	var err error
	if body.Start != "" {
		if req.Start, err = parseDate(body.Start, "start"); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if body.End != "" {
		if req.End, err = parseDate(body.End, "end"); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.End.Before(req.Start) {
		return badRequest(c, "end must not be before start")
	}

	// Runs outlive the request; only server shutdown cancels them.
	result, err := h.runner.Run(context.WithoutCancel(c.UserContext()), req)

	var contention *apperr.LockContentionError
	switch {
	case errors.As(err, &contention):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Pipeline is already running",
			"holder": contention.Holder,
		})
	case err != nil:
		logger.Error("Sync run failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Sync failed",
			"detail": err.Error(),
			"result": result,
		})
	}
	return c.JSON(result)
}

// GetStatus returns the state row and, after a failure, where a retry resumes.
func (h *PipelineHandler) GetStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()
	st, err := h.state.State(ctx)
	if err != nil {
		logger.Error("Failed to load pipeline state", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load pipeline state",
		})
	}

	resp := fiber.Map{"state": st}
	rp, err := h.state.RecoveryPoint(ctx)
	if err != nil {
		logger.Warn("Failed to load recovery point", zap.Error(err))
	} else if rp != nil {
		resp["recovery"] = rp
	}
	return c.JSON(resp)
}

func (h *PipelineHandler) GetHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	transitions, err := h.state.History(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to load pipeline history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load pipeline history",
		})
	}
	return c.JSON(fiber.Map{"transitions": transitions})
}

// GetRuns lists the per-table audit rows, newest first.
func (h *PipelineHandler) GetRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	logs, err := h.audit.ListSyncLogs(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to load sync logs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sync logs",
		})
	}
	return c.JSON(fiber.Map{"runs": logs})
}

// GetHealth answers 503 when the pipeline is unhealthy.
func (h *PipelineHandler) GetHealth(c *fiber.Ctx) error {
	health, err := h.state.Health(c.UserContext())
	if err != nil {
		logger.Error("Failed to compute pipeline health", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute pipeline health",
		})
	}

	status := fiber.StatusOK
	if health.Status == state.Unhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status":   health.Status,
		"pipeline": health,
		"time":     h.clock().Unix(),
	})
}
