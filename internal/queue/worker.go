package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

type schedulerDispatcher = scheduler.Dispatcher

func (b *Backend) dispatcher() (scheduler.Dispatcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dispatch == nil {
		return nil, errors.New("queue backend has no dispatcher")
	}
	return b.dispatch, nil
}

func (b *Backend) HandleWorkTask(ctx context.Context, t *asynq.Task) error {
	var item scheduler.WorkItem
	if err := json.Unmarshal(t.Payload(), &item); err != nil {
		return fmt.Errorf("decode work item: %v: %w", err, asynq.SkipRetry)
	}

	d, err := b.dispatcher()
	if err != nil {
		return err
	}
	return retryPolicy(d.HandleWork(ctx, item))
}

func (b *Backend) HandleJobTickTask(ctx context.Context, t *asynq.Task) error {
	var p JobTickPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode job tick: %v: %w", err, asynq.SkipRetry)
	}

	d, err := b.dispatcher()
	if err != nil {
		return err
	}
	// The next tick is the retry for a failed job run.
	if err := d.RunJob(ctx, p.Name); err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return nil
}

// retryPolicy turns permanent failures into ones asynq archives at once.
func retryPolicy(err error) error {
	if err == nil {
		return nil
	}
	if scheduler.IsPermanent(err) || errors.Is(err, scheduler.ErrUnknownWork) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// retryDelay doubles from the configured base on every attempt.
func (b *Backend) retryDelay(n int, err error, t *asynq.Task) time.Duration {
	return backoff(n, b.cfg.BackoffBase, b.cfg.BackoffMax)
}

func backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Shutdown cancels in-flight handlers; those are requeued, not failures.
func isFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (b *Backend) reportError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	b.logger.Warn("task failed",
		"type", t.Type(),
		"task_id", taskID,
		"retried", retried,
		"max_retry", maxRetry,
		"error", err,
	)
}
