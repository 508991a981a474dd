// Package api assembles the fiber application.
package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maheshrc27/postflow-analytics/internal/api/handlers"
	"github.com/maheshrc27/postflow-analytics/internal/api/middleware"
)

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SecretKey signs API tokens. Empty disables authentication.
	SecretKey  string
	AccessLogs bool
}

type Handlers struct {
	Sync   *handlers.SyncHandler
	Jobs   *handlers.JobHandler
	Queues *handlers.QueueHandler
	Health *handlers.HealthHandler
}

func NewApp(opts Options, h Handlers) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal server error"
			if fe, ok := err.(*fiber.Error); ok {
				code, msg = fe.Code, fe.Message
			} else {
				slog.Error("unhandled request error", "path", c.Path(), "error", err)
			}
			return c.Status(code).JSON(fiber.Map{"error": msg})
		},
	})

	app.Use(recover.New())
	if opts.AccessLogs {
		app.Use(logger.New())
	}

	app.Get("/healthz", h.Health.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	adminOnly := func(c *fiber.Ctx) error { return c.Next() }
	if opts.SecretKey != "" {
		auth := middleware.NewAuthMiddleware(opts.SecretKey)
		api.Use(auth.AuthMiddleware())
		adminOnly = auth.RequireRole(middleware.RoleAdmin)
	} else {
		slog.Warn("security.secret_key is empty, API authentication is disabled")
	}

	api.Post("/accounts/:id/sync", h.Sync.TriggerSync)
	api.Post("/accounts/:id/reconnected", h.Sync.AccountReconnected)
	api.Get("/accounts/:id/sync/status", h.Sync.SyncStatus)
	api.Get("/accounts/:id/sync/runs", h.Sync.ListRuns)
	api.Get("/subjects/:type/:id/metrics", h.Sync.SubjectMetrics)

	api.Post("/accounts/:id/snapshots/cleanup", adminOnly, h.Sync.CleanupSnapshots)

	api.Get("/jobs", adminOnly, h.Jobs.ListJobs)
	api.Post("/jobs/:name/trigger", adminOnly, h.Jobs.TriggerJob)
	api.Post("/jobs/:name/start", adminOnly, h.Jobs.StartJob)
	api.Post("/jobs/:name/stop", adminOnly, h.Jobs.StopJob)

	api.Post("/queues/cleanup", adminOnly, h.Queues.CleanupQueues)
	api.Get("/queues/:name", adminOnly, h.Queues.QueueStats)
	api.Post("/queues/:name/pause", adminOnly, h.Queues.PauseQueue)
	api.Post("/queues/:name/resume", adminOnly, h.Queues.ResumeQueue)

	return app
}
