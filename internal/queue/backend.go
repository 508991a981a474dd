package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

const cleanupPageSize = 100

func (b *Backend) Name() string { return scheduler.BackendQueue }

func (b *Backend) Start(d scheduler.Dispatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return scheduler.ErrBackendClosed
	}
	if b.started {
		return nil
	}
	b.dispatch = d

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeWork, b.HandleWorkTask)
	mux.HandleFunc(TaskTypeJobTick, b.HandleJobTickTask)

	if err := b.server.Start(mux); err != nil {
		return fmt.Errorf("start queue server: %w", err)
	}
	if err := b.scheduler.Start(); err != nil {
		b.server.Shutdown()
		return fmt.Errorf("start queue scheduler: %w", err)
	}
	b.started = true
	return nil
}

// Schedule registers a cadence tick. Every process registers the same
// entries, so ticks are enqueued as unique tasks and only one replica runs
// each firing.
func (b *Backend) Schedule(name string, cadence time.Duration, queue string) error {
	task, err := NewJobTickTask(name)
	if err != nil {
		return err
	}

	uniqueFor := cadence / 2
	if uniqueFor < time.Second {
		uniqueFor = time.Second
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return scheduler.ErrBackendClosed
	}
	if old, ok := b.entries[name]; ok {
		if err := b.scheduler.Unregister(old); err != nil {
			b.logger.Warn("failed to unregister cadence", "job", name, "error", err)
		}
		delete(b.entries, name)
	}

	entryID, err := b.scheduler.Register(
		fmt.Sprintf("@every %s", cadence),
		task,
		asynq.Queue(scheduler.QueueFor(queue)),
		asynq.MaxRetry(0),
		asynq.Unique(uniqueFor),
		asynq.Timeout(b.cfg.TaskTimeout),
	)
	if err != nil {
		return err
	}
	b.entries[name] = entryID
	b.logger.Info("queue cadence registered", "job", name, "cadence", cadence.String(), "entry_id", entryID)
	return nil
}

func (b *Backend) Unschedule(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entryID, ok := b.entries[name]
	if !ok {
		return nil
	}
	delete(b.entries, name)
	return b.scheduler.Unregister(entryID)
}

func (b *Backend) Submit(ctx context.Context, item scheduler.WorkItem) (*scheduler.JobHandle, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, scheduler.ErrBackendClosed
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	queue := scheduler.QueueFor(item.Priority)

	info, err := EnqueueWork(ctx, b.client, item, EnqueueOptions{
		TaskID:    id,
		Queue:     queue,
		MaxRetry:  b.cfg.MaxRetry,
		Timeout:   b.cfg.TaskTimeout,
		Retention: b.cfg.Retention,
	})
	if err != nil {
		return nil, err
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(scheduler.BackendQueue, info.Queue).Inc()
	return &scheduler.JobHandle{ID: info.ID, Backend: scheduler.BackendQueue, Queue: info.Queue}, nil
}

func (b *Backend) PauseQueue(ctx context.Context, queue string) error {
	return b.inspector.PauseQueue(queue)
}

func (b *Backend) ResumeQueue(ctx context.Context, queue string) error {
	return b.inspector.UnpauseQueue(queue)
}

func (b *Backend) QueueStats(ctx context.Context, queue string) (*scheduler.QueueStats, error) {
	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return &scheduler.QueueStats{Queue: queue}, nil
		}
		return nil, err
	}
	return &scheduler.QueueStats{
		Queue:     info.Queue,
		Paused:    info.Paused,
		Size:      info.Size,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Processed: info.Processed,
		Failed:    info.Failed,
	}, nil
}

// CleanupQueues removes completed and archived tasks that finished before
// the cutoff from every known queue.
func (b *Backend) CleanupQueues(ctx context.Context, olderThan time.Duration) (int, error) {
	queues, err := b.inspector.Queues()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)

	removed := 0
	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n, err := b.cleanupList(q, b.inspector.ListCompletedTasks, func(t *asynq.TaskInfo) time.Time { return t.CompletedAt }, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
		n, err = b.cleanupList(q, b.inspector.ListArchivedTasks, func(t *asynq.TaskInfo) time.Time { return t.LastFailedAt }, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (b *Backend) cleanupList(queue string, list listFunc, finishedAt func(*asynq.TaskInfo) time.Time, cutoff time.Time) (int, error) {
	var stale []string
	for page := 1; ; page++ {
		tasks, err := list(queue, asynq.PageSize(cleanupPageSize), asynq.Page(page))
		if err != nil {
			return 0, err
		}
		for _, t := range tasks {
			if !finishedAt(t).After(cutoff) {
				stale = append(stale, t.ID)
			}
		}
		if len(tasks) < cleanupPageSize {
			break
		}
	}

	removed := 0
	for _, id := range stale {
		if err := b.inspector.DeleteTask(queue, id); err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Shutdown stops enqueueing ticks and waits for active handlers, bounded by
// the server's own shutdown timeout.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if started {
			b.scheduler.Shutdown()
			b.server.Shutdown()
		}
		if err := b.client.Close(); err != nil {
			b.logger.Warn("failed to close queue client", "error", err)
		}
		if err := b.inspector.Close(); err != nil {
			b.logger.Warn("failed to close queue inspector", "error", err)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
