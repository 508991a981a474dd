package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

var ErrInvalidSubject = errors.New("invalid subject")

// WorkSubmitter hands work to whichever job backend is active.
type WorkSubmitter interface {
	Submit(ctx context.Context, item scheduler.WorkItem) (*scheduler.JobHandle, error)
}

// JobStatusSource reports scheduled job health.
type JobStatusSource interface {
	Statuses() []models.ScheduledJob
}

type TriggerRequest struct {
	AccountID int64
	Strategy  string
	Wait      bool
	Priority  string
	Trigger   string
}

// TriggerResult carries the run when it executed inline, or the handle of
// the queued work otherwise.
type TriggerResult struct {
	Run    *models.SyncRun      `json:"run,omitempty"`
	Handle *scheduler.JobHandle `json:"handle,omitempty"`
}

type SyncStatus struct {
	AccountID            int64                 `json:"account_id"`
	Platform             models.Platform       `json:"platform"`
	AccountStatus        string                `json:"account_status"`
	LastSuccessfulSyncAt *time.Time            `json:"last_successful_sync_at,omitempty"`
	LatestRun            *models.SyncRun       `json:"latest_run,omitempty"`
	Jobs                 []models.ScheduledJob `json:"jobs"`
}

type SyncService interface {
	TriggerSync(ctx context.Context, req TriggerRequest) (*TriggerResult, error)
	// RunSync selects a strategy and executes a run inline. It is what
	// queued and scheduled work ends up calling.
	RunSync(ctx context.Context, accountID int64, override, trigger string) (*models.SyncRun, error)
	GetSyncStatus(ctx context.Context, accountID int64) (*SyncStatus, error)
	ListRuns(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error)
	SubjectMetrics(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error)
	CleanupDuplicates(ctx context.Context, accountID int64, days int) (*CleanupResult, error)
}

type syncService struct {
	accounts  repository.AccountRepository
	runs      repository.SyncRunRepository
	snapshots repository.MetricSnapshotRepository
	strategy  StrategyService
	executor  SyncExecutor
	engine    UpsertEngine
	submitter WorkSubmitter
	jobs      JobStatusSource
	now       func() time.Time
}

func NewSyncService(
	accounts repository.AccountRepository,
	runs repository.SyncRunRepository,
	snapshots repository.MetricSnapshotRepository,
	strategy StrategyService,
	executor SyncExecutor,
	engine UpsertEngine,
	submitter WorkSubmitter,
	jobs JobStatusSource) SyncService {
	return &syncService{
		accounts:  accounts,
		runs:      runs,
		snapshots: snapshots,
		strategy:  strategy,
		executor:  executor,
		engine:    engine,
		submitter: submitter,
		jobs:      jobs,
		now:       time.Now,
	}
}

func (s *syncService) account(ctx context.Context, accountID int64) (*models.Account, error) {
	if accountID == 0 {
		return nil, ErrInvalidAccount
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func (s *syncService) TriggerSync(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if req.Strategy != "" && !ValidStrategy(req.Strategy) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	if _, err := s.account(ctx, req.AccountID); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}
	if req.Trigger == models.TriggerReconnect {
		// New credentials reopen the full history window ahead of routine work.
		if req.Strategy == "" {
			req.Strategy = StrategyBackfill
		}
		if req.Priority == "" {
			req.Priority = scheduler.PriorityCritical
		}
	}

	if req.Wait || s.submitter == nil {
		run, err := s.RunSync(ctx, req.AccountID, req.Strategy, req.Trigger)
		var failure *RunFailure
		if errors.As(err, &failure) {
			// The run summary already carries the outcome.
			err = nil
		}
		if err != nil {
			return nil, err
		}
		return &TriggerResult{Run: run}, nil
	}

	handle, err := s.submitter.Submit(ctx, scheduler.WorkItem{
		Kind:      scheduler.WorkAccountSync,
		AccountID: req.AccountID,
		Strategy:  req.Strategy,
		Trigger:   req.Trigger,
		Priority:  req.Priority,
	})
	if err != nil {
		return nil, err
	}
	return &TriggerResult{Handle: handle}, nil
}

func (s *syncService) RunSync(ctx context.Context, accountID int64, override, trigger string) (*models.SyncRun, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	strategy, err := s.strategy.Resolve(account, override, s.now())
	if err != nil {
		return nil, err
	}
	return s.executor.Execute(ctx, account.ID, strategy, trigger)
}

func (s *syncService) GetSyncStatus(ctx context.Context, accountID int64) (*SyncStatus, error) {
	account, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	latest, err := s.runs.LatestByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{
		AccountID:            account.ID,
		Platform:             account.Platform,
		AccountStatus:        account.AccountStatus,
		LastSuccessfulSyncAt: account.LastSuccessfulSyncAt,
		LatestRun:            latest,
		Jobs:                 []models.ScheduledJob{},
	}
	if s.jobs != nil {
		status.Jobs = s.jobs.Statuses()
	}
	return status, nil
}

func (s *syncService) ListRuns(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return nil, err
	}
	return s.runs.ListByAccount(ctx, accountID, limit)
}

func (s *syncService) SubjectMetrics(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error) {
	if !subjectType.Valid() || subjectID == 0 {
		return nil, ErrInvalidSubject
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if from.After(to) {
		return nil, fmt.Errorf("%w: from is after to", ErrInvalidSubject)
	}
	return s.snapshots.ListAuthoritative(ctx, subjectType, subjectID, from, to)
}

func (s *syncService) CleanupDuplicates(ctx context.Context, accountID int64, days int) (*CleanupResult, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return nil, err
	}
	return s.engine.CleanupDuplicates(ctx, accountID, days)
}
