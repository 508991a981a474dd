package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/transfer"
)

type QueueHandler struct {
	backend   scheduler.JobBackend
	retention time.Duration
}

func NewQueueHandler(backend scheduler.JobBackend, retention time.Duration) *QueueHandler {
	return &QueueHandler{backend: backend, retention: retention}
}

func (h *QueueHandler) QueueStats(c *fiber.Ctx) error {
	stats, err := h.backend.QueueStats(c.Context(), c.Params("name"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func (h *QueueHandler) PauseQueue(c *fiber.Ctx) error {
	if err := h.backend.PauseQueue(c.Context(), c.Params("name")); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Queue paused",
	})
}

func (h *QueueHandler) ResumeQueue(c *fiber.Ctx) error {
	if err := h.backend.ResumeQueue(c.Context(), c.Params("name")); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Queue resumed",
	})
}

// CleanupQueues accepts an optional older_than duration overriding the
// configured retention.
func (h *QueueHandler) CleanupQueues(c *fiber.Ctx) error {
	olderThan := h.retention
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return badRequest(c, "Invalid older_than")
		}
		olderThan = d
	}

	removed, err := h.backend.CleanupQueues(c.Context(), olderThan)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(transfer.QueueCleanupResponse{
		Removed:   removed,
		OlderThan: olderThan.String(),
	})
}
