package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/service"
	"github.com/maheshrc27/postflow-analytics/internal/transfer"
)

const defaultRunsLimit = 20

type SyncHandler struct {
	s service.SyncService
}

func NewSyncHandler(service service.SyncService) *SyncHandler {
	return &SyncHandler{s: service}
}

func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	var req transfer.TriggerSyncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Unable to parse request body")
		}
	}

	result, err := h.s.TriggerSync(c.Context(), service.TriggerRequest{
		AccountID: accountID,
		Strategy:  req.Strategy,
		Wait:      req.Wait,
		Priority:  req.Priority,
		Trigger:   models.TriggerManual,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	if result.Run != nil {
		return c.Status(fiber.StatusOK).JSON(result.Run)
	}
	return c.Status(fiber.StatusAccepted).JSON(result.Handle)
}

// AccountReconnected is called by the connection flow once an account has
// fresh credentials.
func (h *SyncHandler) AccountReconnected(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	result, err := h.s.TriggerSync(c.Context(), service.TriggerRequest{
		AccountID: accountID,
		Trigger:   models.TriggerReconnect,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	if result.Run != nil {
		return c.Status(fiber.StatusOK).JSON(result.Run)
	}
	return c.Status(fiber.StatusAccepted).JSON(result.Handle)
}

func (h *SyncHandler) SyncStatus(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}

	status, err := h.s.GetSyncStatus(c.Context(), accountID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

func (h *SyncHandler) ListRuns(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	limit := c.QueryInt("limit", defaultRunsLimit)
	if limit < 1 || limit > 200 {
		return badRequest(c, "limit must be between 1 and 200")
	}

	runs, err := h.s.ListRuns(c.Context(), accountID, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	return c.Status(fiber.StatusOK).JSON(runs)
}

func (h *SyncHandler) CleanupSnapshots(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, err)
	}
	days := c.QueryInt("days", 0)
	if days < 0 {
		return badRequest(c, "days must not be negative")
	}

	result, err := h.s.CleanupDuplicates(c.Context(), accountID, days)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// SubjectMetrics returns the authoritative snapshot per observation day.
// from and to are RFC 3339 timestamps or YYYY-MM-DD dates.
func (h *SyncHandler) SubjectMetrics(c *fiber.Ctx) error {
	subjectType := models.SubjectType(strings.ToUpper(c.Params("type")))
	subjectID, err := paramID(c, "id")
	if err != nil {
		return errorResponse(c, service.ErrInvalidSubject)
	}

	from, err := parseTimeQuery(c.Query("from"))
	if err != nil {
		return badRequest(c, "Invalid from")
	}
	to, err := parseTimeQuery(c.Query("to"))
	if err != nil {
		return badRequest(c, "Invalid to")
	}

	snapshots, err := h.s.SubjectMetrics(c.Context(), subjectType, subjectID, from, to)
	if err != nil {
		return errorResponse(c, err)
	}
	if snapshots == nil {
		snapshots = []*models.MetricSnapshot{}
	}
	return c.Status(fiber.StatusOK).JSON(snapshots)
}

func parseTimeQuery(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
