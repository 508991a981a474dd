package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type SyncRunRepository interface {
	Create(ctx context.Context, run *models.SyncRun) error
	// UpdateProgress persists counters of a run that is still open.
	UpdateProgress(ctx context.Context, run *models.SyncRun) error
	// Finalize closes the run. Finalizing an already finished run returns
	// ErrConflict.
	Finalize(ctx context.Context, run *models.SyncRun) error
	LatestByAccount(ctx context.Context, accountID int64) (*models.SyncRun, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error)
}

type syncRunRepository struct {
	db *sql.DB
}

func NewSyncRunRepository(db *sql.DB) SyncRunRepository {
	return &syncRunRepository{db: db}
}

const syncRunColumns = `id, account_id, platform, strategy, days_back, item_limit, trigger_source, started_at, finished_at,
	items_processed, items_failed, items_skipped, account_metrics_failed,
	snapshots_inserted, snapshots_updated, snapshots_skipped, outcome, error_summary`

func scanSyncRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.AccountID, &run.Platform, &run.Strategy, &run.DaysBack, &run.ItemLimit,
		&run.Trigger, &run.StartedAt, &finishedAt, &run.ItemsProcessed, &run.ItemsFailed, &run.ItemsSkipped,
		&run.AccountMetricsFailed, &run.SnapshotsInserted, &run.SnapshotsUpdated, &run.SnapshotsSkipped,
		&run.Outcome, &run.ErrorSummary)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func (r *syncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, account_id, platform, strategy, days_back, item_limit, trigger_source, started_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query, run.ID, run.AccountID, run.Platform, run.Strategy,
		run.DaysBack, run.ItemLimit, run.Trigger, run.StartedAt, run.Outcome)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *syncRunRepository) UpdateProgress(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET items_processed = $2,
			items_failed = $3,
			items_skipped = $4,
			account_metrics_failed = $5,
			snapshots_inserted = $6,
			snapshots_updated = $7,
			snapshots_skipped = $8,
			error_summary = $9
		WHERE id = $1 AND finished_at IS NULL
	`
	_, err := r.db.ExecContext(ctx, query, run.ID, run.ItemsProcessed, run.ItemsFailed, run.ItemsSkipped,
		run.AccountMetricsFailed, run.SnapshotsInserted, run.SnapshotsUpdated, run.SnapshotsSkipped, run.ErrorSummary)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *syncRunRepository) Finalize(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET items_processed = $2,
			items_failed = $3,
			items_skipped = $4,
			account_metrics_failed = $5,
			snapshots_inserted = $6,
			snapshots_updated = $7,
			snapshots_skipped = $8,
			error_summary = $9,
			outcome = $10,
			finished_at = $11
		WHERE id = $1 AND finished_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, run.ID, run.ItemsProcessed, run.ItemsFailed, run.ItemsSkipped,
		run.AccountMetricsFailed, run.SnapshotsInserted, run.SnapshotsUpdated, run.SnapshotsSkipped,
		run.ErrorSummary, run.Outcome, run.FinishedAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	if affected != 1 {
		return ErrConflict
	}
	return nil
}

func (r *syncRunRepository) LatestByAccount(ctx context.Context, accountID int64) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE account_id = $1 ORDER BY started_at DESC LIMIT 1`

	run, err := scanSyncRun(r.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return run, nil
}

func (r *syncRunRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE account_id = $1 ORDER BY started_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return runs, nil
}
