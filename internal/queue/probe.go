package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

const probeTimeout = 3 * time.Second

// Probe checks that Redis answers a PING.
func Probe(ctx context.Context, cfg config.RedisConfig) error {
	if cfg.Addr == "" {
		return fmt.Errorf("redis address not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// ChooseBackend resolves the configured backend mode. "auto" prefers the
// durable queue and falls back to timers when Redis is unreachable;
// "queue" refuses to start without it.
func ChooseBackend(mode string, probe func() error) (string, error) {
	switch mode {
	case scheduler.BackendTimer:
		return scheduler.BackendTimer, nil
	case scheduler.BackendQueue:
		if err := probe(); err != nil {
			return "", fmt.Errorf("queue backend requested but redis is unreachable: %w", err)
		}
		return scheduler.BackendQueue, nil
	case "", "auto":
		if err := probe(); err != nil {
			slog.Warn("redis unreachable, falling back to timer backend", "error", err)
			return scheduler.BackendTimer, nil
		}
		return scheduler.BackendQueue, nil
	}
	return "", fmt.Errorf("unknown scheduler backend %q", mode)
}
