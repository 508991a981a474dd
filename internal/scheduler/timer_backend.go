package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron"
	"golang.org/x/sync/semaphore"

	"github.com/maheshrc27/postflow-analytics/internal/metrics"
)

// TimerBackend runs cadences on in-memory timers and work items on bounded
// goroutines. Nothing survives a restart and failed work is not retried.
type TimerBackend struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu       sync.Mutex
	crons    map[string]*cron.Cron
	dispatch Dispatcher
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTimerBackend(concurrency int, logger *slog.Logger) *TimerBackend {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerBackend{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		crons:  make(map[string]*cron.Cron),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *TimerBackend) Name() string { return BackendTimer }

func (b *TimerBackend) Start(d Dispatcher) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	b.dispatch = d
	return nil
}

// track registers one unit of in-flight work unless the backend is closed.
func (b *TimerBackend) track() (Dispatcher, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.dispatch == nil {
		return nil, false
	}
	b.wg.Add(1)
	return b.dispatch, true
}

func (b *TimerBackend) Schedule(name string, cadence time.Duration, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if old, ok := b.crons[name]; ok {
		old.Stop()
	}

	c := cron.New()
	c.Schedule(cron.Every(cadence), cron.FuncJob(func() {
		d, ok := b.track()
		if !ok {
			return
		}
		defer b.wg.Done()
		if err := d.RunJob(b.ctx, name); err != nil {
			b.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	}))
	c.Start()
	b.crons[name] = c
	b.logger.Info("timer scheduled", "job", name, "cadence", cadence.String())
	return nil
}

func (b *TimerBackend) Unschedule(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.crons[name]; ok {
		c.Stop()
		delete(b.crons, name)
	}
	return nil
}

func (b *TimerBackend) Submit(ctx context.Context, item WorkItem) (*JobHandle, error) {
	d, ok := b.track()
	if !ok {
		return nil, ErrBackendClosed
	}

	id, err := gonanoid.New()
	if err != nil {
		b.wg.Done()
		return nil, err
	}
	queue := QueueFor(item.Priority)

	go func() {
		defer b.wg.Done()
		// Excess work waits for a slot rather than being dropped.
		if err := b.sem.Acquire(b.ctx, 1); err != nil {
			return
		}
		defer b.sem.Release(1)

		if err := d.HandleWork(b.ctx, item); err != nil {
			b.logger.Warn("work item failed", "id", id, "kind", item.Kind, "account_id", item.AccountID, "error", err)
		}
	}()

	metrics.QueueEnqueuedTotal.WithLabelValues(BackendTimer, queue).Inc()
	return &JobHandle{ID: id, Backend: BackendTimer, Queue: queue}, nil
}

func (b *TimerBackend) PauseQueue(ctx context.Context, queue string) error {
	return ErrUnsupported
}

func (b *TimerBackend) ResumeQueue(ctx context.Context, queue string) error {
	return ErrUnsupported
}

func (b *TimerBackend) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	return nil, ErrUnsupported
}

func (b *TimerBackend) CleanupQueues(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, ErrUnsupported
}

// Shutdown stops all timers and waits for in-flight work. Work still
// running when ctx expires is cancelled.
func (b *TimerBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for name, c := range b.crons {
		c.Stop()
		delete(b.crons, name)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
