package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow-analytics/internal/transfer"
)

type HealthSource interface {
	Unhealthy() []string
}

type HealthHandler struct {
	backend string
	jobs    HealthSource
}

func NewHealthHandler(backend string, jobs HealthSource) *HealthHandler {
	return &HealthHandler{backend: backend, jobs: jobs}
}

// Health answers 200 even with failing jobs; status carries the
// degradation.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := transfer.HealthResponse{
		Status:        "ok",
		Backend:       h.backend,
		UnhealthyJobs: h.jobs.Unhealthy(),
	}
	if len(resp.UnhealthyJobs) > 0 {
		resp.Status = "degraded"
	} else {
		resp.UnhealthyJobs = []string{}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
