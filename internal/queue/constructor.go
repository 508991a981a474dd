// Package queue is the durable job backend. Work items and cadence ticks
// travel through Redis via asynq, so they survive restarts and are retried
// with backoff.
package queue

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"

	config "github.com/maheshrc27/postflow-analytics/configs"
)

type Backend struct {
	cfg    config.QueueConfig
	logger *slog.Logger

	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	inspector *asynq.Inspector

	mu       sync.Mutex
	entries  map[string]string
	dispatch schedulerDispatcher
	started  bool
	closed   bool
}

func NewBackend(redis config.RedisConfig, cfg config.QueueConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	opt := asynq.RedisClientOpt{
		Addr:     redis.Addr,
		Password: redis.Password,
		DB:       redis.DB,
	}

	b := &Backend{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]string),
	}
	asynqLogger := newSlogLogger(logger)

	b.client = asynq.NewClient(opt)
	b.inspector = asynq.NewInspector(opt)
	b.scheduler = asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: asynqLogger,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				logger.Warn("failed to enqueue cadence tick", "error", err)
			}
		},
	})
	b.server = asynq.NewServer(opt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         cfg.Queues,
		RetryDelayFunc: b.retryDelay,
		IsFailure:      isFailure,
		ErrorHandler:   asynq.ErrorHandlerFunc(b.reportError),
		Logger:         asynqLogger,
	})
	return b
}
