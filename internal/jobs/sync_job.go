package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/service"
)

// AccountSyncJob is the recurring sweep that queues one sync per active
// account. Strategy selection happens when each item runs.
type AccountSyncJob struct {
	accounts  repository.AccountRepository
	submitter service.WorkSubmitter
}

func NewAccountSyncJob(accounts repository.AccountRepository, submitter service.WorkSubmitter) *AccountSyncJob {
	return &AccountSyncJob{
		accounts:  accounts,
		submitter: submitter,
	}
}

func (j *AccountSyncJob) Run(ctx context.Context) error {
	accounts, err := j.accounts.ListActive(ctx)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	var errs []error
	submitted := 0
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := j.submitter.Submit(ctx, scheduler.WorkItem{
			Kind:      scheduler.WorkAccountSync,
			AccountID: acc.ID,
			Trigger:   models.TriggerSchedule,
			Priority:  scheduler.PriorityDefault,
		})
		if err != nil {
			slog.Warn("failed to submit account sync", "account_id", acc.ID, "error", err)
			errs = append(errs, fmt.Errorf("account %d: %w", acc.ID, err))
			continue
		}
		submitted++
	}

	slog.Info("account sync sweep submitted", "accounts", len(accounts), "submitted", submitted)
	return errors.Join(errs...)
}

// SyncWorkHandler executes account sync work items. Failures a retry cannot
// fix are marked permanent so durable backends archive them.
func SyncWorkHandler(svc service.SyncService) scheduler.WorkFunc {
	return func(ctx context.Context, item scheduler.WorkItem) error {
		_, err := svc.RunSync(ctx, item.AccountID, item.Strategy, item.Trigger)
		if err == nil {
			return nil
		}

		var failure *service.RunFailure
		switch {
		case errors.As(err, &failure):
			if failure.Retryable {
				return err
			}
			return scheduler.Permanent(err)
		case errors.Is(err, service.ErrAccountNotFound),
			errors.Is(err, service.ErrInvalidAccount),
			errors.Is(err, service.ErrUnknownStrategy):
			return scheduler.Permanent(err)
		}
		return err
	}
}
