package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/lock"
	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
)

var ErrInvalidSnapshot = errors.New("snapshot needs a subject type and subject id")

const defaultCleanupDays = 7

type CleanupResult struct {
	AccountID       int64 `json:"account_id"`
	GroupsCollapsed int   `json:"groups_collapsed"`
	RowsRemoved     int64 `json:"rows_removed"`
}

// UpsertEngine is the only writer of metric snapshots and of an account's
// last successful sync time.
type UpsertEngine interface {
	Upsert(ctx context.Context, candidate *models.MetricSnapshot) (models.UpsertAction, error)
	CleanupDuplicates(ctx context.Context, accountID int64, daysToCheck int) (*CleanupResult, error)
	// MarkSynced moves the account's last successful sync forward to
	// startedAt. It never moves it back.
	MarkSynced(ctx context.Context, accountID int64, startedAt time.Time) (bool, error)
}

type upsertEngine struct {
	snapshots    repository.MetricSnapshotRepository
	accounts     repository.AccountRepository
	locker       lock.Locker
	minRecollect time.Duration
	loc          *time.Location
	now          func() time.Time
}

func NewUpsertEngine(
	cfg config.SyncConfig,
	snapshots repository.MetricSnapshotRepository,
	accounts repository.AccountRepository,
	locker lock.Locker) UpsertEngine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &upsertEngine{
		snapshots:    snapshots,
		accounts:     accounts,
		locker:       locker,
		minRecollect: cfg.MinRecollectInterval,
		loc:          cfg.Location(),
		now:          time.Now,
	}
}

func snapshotKey(subjectType models.SubjectType, subjectID int64, day time.Time) string {
	return fmt.Sprintf("snapshot:%s:%d:%s", subjectType, subjectID, day.Format(time.DateOnly))
}

func (e *upsertEngine) Upsert(ctx context.Context, candidate *models.MetricSnapshot) (models.UpsertAction, error) {
	if candidate == nil || !candidate.SubjectType.Valid() || candidate.SubjectID == 0 {
		return "", ErrInvalidSnapshot
	}

	c := *candidate
	if c.RecordedAt.IsZero() {
		c.RecordedAt = e.now()
	}
	// Postgres keeps microseconds; compare on what will be stored.
	c.RecordedAt = c.RecordedAt.UTC().Truncate(time.Microsecond)
	c.ObservationDay = models.ObservationDayOf(c.RecordedAt, e.loc)
	c.MetricValues = c.MetricValues.WithEngagementRate()

	action, err := e.upsertLocked(ctx, &c)
	if err != nil {
		return "", err
	}
	candidate.ID = c.ID
	candidate.ObservationDay = c.ObservationDay
	metrics.SnapshotUpsertsTotal.WithLabelValues(string(c.SubjectType), string(action)).Inc()
	return action, nil
}

func (e *upsertEngine) upsertLocked(ctx context.Context, c *models.MetricSnapshot) (models.UpsertAction, error) {
	unlock, err := e.locker.Lock(ctx, snapshotKey(c.SubjectType, c.SubjectID, c.ObservationDay))
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			// Another writer holds the key for longer than we wait; its
			// write wins.
			slog.Warn("snapshot lock timeout", "subject_type", c.SubjectType, "subject_id", c.SubjectID)
			return models.ActionSkippedDuplicate, nil
		}
		return "", err
	}
	defer unlock()

	existing, err := e.snapshots.LatestForDay(ctx, c.SubjectType, c.SubjectID, c.ObservationDay)
	if err != nil {
		return "", err
	}

	if existing == nil {
		id, err := e.snapshots.Insert(ctx, c)
		if errors.Is(err, repository.ErrConflict) {
			return models.ActionSkippedDuplicate, nil
		}
		if err != nil {
			return "", err
		}
		c.ID = id
		return models.ActionInserted, nil
	}

	// Older or too-recent candidates never replace the authoritative row.
	if c.RecordedAt.Sub(existing.RecordedAt) < e.minRecollect || !c.RecordedAt.After(existing.RecordedAt) {
		c.ID = existing.ID
		return models.ActionSkippedDuplicate, nil
	}

	err = e.snapshots.UpdateValues(ctx, existing.ID, existing.RecordedAt, c)
	if errors.Is(err, repository.ErrConflict) {
		return models.ActionSkippedDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	c.ID = existing.ID
	return models.ActionUpdated, nil
}

func (e *upsertEngine) CleanupDuplicates(ctx context.Context, accountID int64, daysToCheck int) (*CleanupResult, error) {
	if accountID == 0 {
		return nil, ErrInvalidAccount
	}
	if daysToCheck <= 0 {
		daysToCheck = defaultCleanupDays
	}

	since := models.ObservationDayOf(e.now(), e.loc).AddDate(0, 0, -daysToCheck)
	groups, err := e.snapshots.ListDuplicateGroups(ctx, accountID, since)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{AccountID: accountID}
	for _, g := range groups {
		unlock, err := e.locker.Lock(ctx, snapshotKey(g.SubjectType, g.SubjectID, g.ObservationDay))
		if err != nil {
			return result, err
		}
		removed, err := e.snapshots.CollapseDuplicates(ctx, g)
		unlock()
		if err != nil {
			return result, err
		}
		if removed > 0 {
			result.GroupsCollapsed++
			result.RowsRemoved += removed
		}
	}

	metrics.SnapshotDuplicatesRemoved.Add(float64(result.RowsRemoved))
	if result.RowsRemoved > 0 {
		slog.Info("collapsed duplicate snapshots", "account_id", accountID, "groups", result.GroupsCollapsed, "rows", result.RowsRemoved)
	}
	return result, nil
}

func (e *upsertEngine) MarkSynced(ctx context.Context, accountID int64, startedAt time.Time) (bool, error) {
	return e.accounts.SetLastSuccessfulSync(ctx, accountID, startedAt.UTC().Truncate(time.Microsecond))
}
