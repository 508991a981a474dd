package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/service"
)

const cleanupConcurrency = 4

// SnapshotCleanupJob collapses duplicate snapshot rows for every active
// account over the trailing days.
type SnapshotCleanupJob struct {
	accounts repository.AccountRepository
	engine   service.UpsertEngine
	days     int
}

func NewSnapshotCleanupJob(accounts repository.AccountRepository, engine service.UpsertEngine, days int) *SnapshotCleanupJob {
	return &SnapshotCleanupJob{
		accounts: accounts,
		engine:   engine,
		days:     days,
	}
}

func (j *SnapshotCleanupJob) Run(ctx context.Context) error {
	accounts, err := j.accounts.ListActive(ctx)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      []error
		collapsed int
		removed   int64
	)
	semaphore := make(chan struct{}, cleanupConcurrency)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.Account) {
			defer wg.Done()
			defer func() { <-semaphore }()

			res, err := j.engine.CleanupDuplicates(ctx, acc.ID, j.days)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("snapshot cleanup failed", "account_id", acc.ID, "error", err)
				errs = append(errs, err)
				return
			}
			collapsed += res.GroupsCollapsed
			removed += res.RowsRemoved
		}(acc)
	}
	wg.Wait()

	slog.Info("snapshot cleanup finished", "accounts", len(accounts), "groups_collapsed", collapsed, "rows_removed", removed)
	return errors.Join(errs...)
}

// QueueCleanupJob drops finished queue items past retention. Backends
// without durable queues have nothing to clean.
type QueueCleanupJob struct {
	backend   scheduler.JobBackend
	retention time.Duration
}

func NewQueueCleanupJob(backend scheduler.JobBackend, retention time.Duration) *QueueCleanupJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &QueueCleanupJob{
		backend:   backend,
		retention: retention,
	}
}

func (j *QueueCleanupJob) Run(ctx context.Context) error {
	n, err := j.backend.CleanupQueues(ctx, j.retention)
	if errors.Is(err, scheduler.ErrUnsupported) {
		return nil
	}
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	slog.Info("queue cleanup finished", "removed", n, "older_than", j.retention.String())
	return nil
}
