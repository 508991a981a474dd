package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

// JobController is the slice of the scheduler registry the API drives.
type JobController interface {
	Statuses() []models.ScheduledJob
	Status(name string) (models.ScheduledJob, error)
	TriggerAsync(name string) error
	StartJob(name string) error
	StopJob(name string) error
}

type JobHandler struct {
	jobs JobController
}

func NewJobHandler(jobs JobController) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.jobs.Statuses())
}

func (h *JobHandler) TriggerJob(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := h.jobs.TriggerAsync(name); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Job triggered",
		"job":     name,
	})
}

func (h *JobHandler) StartJob(c *fiber.Ctx) error {
	return h.transition(c, h.jobs.StartJob)
}

func (h *JobHandler) StopJob(c *fiber.Ctx) error {
	return h.transition(c, h.jobs.StopJob)
}

func (h *JobHandler) transition(c *fiber.Ctx, fn func(string) error) error {
	name := c.Params("name")
	if err := fn(name); err != nil {
		return errorResponse(c, err)
	}
	status, err := h.jobs.Status(name)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}
