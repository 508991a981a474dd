package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/service"
)

func GetUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, service.ErrInvalidAccount
	}
	return id, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}

// errorResponse maps service errors onto a status. Anything unrecognised
// is logged and reported as an internal error without its detail.
func errorResponse(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	msg := "Internal server error"

	switch {
	case errors.Is(err, service.ErrInvalidAccount),
		errors.Is(err, service.ErrInvalidSubject),
		errors.Is(err, service.ErrUnknownStrategy):
		status, msg = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, scheduler.ErrJobNotFound):
		status, msg = fiber.StatusNotFound, err.Error()
	case errors.Is(err, scheduler.ErrJobBusy):
		status, msg = fiber.StatusConflict, err.Error()
	case errors.Is(err, scheduler.ErrUnsupported):
		status, msg = fiber.StatusNotImplemented, err.Error()
	case errors.Is(err, scheduler.ErrBackendClosed):
		status, msg = fiber.StatusServiceUnavailable, err.Error()
	default:
		slog.Error("request failed", "path", c.Path(), "error", err)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}
