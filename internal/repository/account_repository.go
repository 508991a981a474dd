package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	ListActive(ctx context.Context) ([]*models.Account, error)
	// SetLastSuccessfulSync moves last_successful_sync_at forward to t. It
	// never moves it backwards and reports whether the row changed.
	SetLastSuccessfulSync(ctx context.Context, id int64, t time.Time) (bool, error)
	MarkReauthRequired(ctx context.Context, id int64, reason string) error
}

type accountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) AccountRepository {
	return &accountRepository{db: db}
}

const accountColumns = `id, team_id, platform, external_id, account_name, credential_ref, token_expires_at,
	account_status, status_reason, last_successful_sync_at, connected_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var tokenExpiresAt, lastSync sql.NullTime
	err := row.Scan(&a.ID, &a.TeamID, &a.Platform, &a.ExternalID, &a.AccountName, &a.CredentialRef,
		&tokenExpiresAt, &a.AccountStatus, &a.StatusReason, &lastSync, &a.ConnectedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tokenExpiresAt.Valid {
		t := tokenExpiresAt.Time
		a.TokenExpiresAt = &t
	}
	if lastSync.Valid {
		t := lastSync.Time
		a.LastSuccessfulSyncAt = &t
	}
	return &a, nil
}

func (r *accountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM social_accounts WHERE id = $1`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return a, nil
}

func (r *accountRepository) ListActive(ctx context.Context) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM social_accounts WHERE account_status = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, models.AccountStatusActive)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepository) SetLastSuccessfulSync(ctx context.Context, id int64, t time.Time) (bool, error) {
	query := `
		UPDATE social_accounts
		SET last_successful_sync_at = $2,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		AND (last_successful_sync_at IS NULL OR last_successful_sync_at < $2)
	`
	result, err := r.db.ExecContext(ctx, query, id, t)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

func (r *accountRepository) MarkReauthRequired(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE social_accounts
		SET account_status = $2,
			status_reason = $3,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, models.AccountStatusReauthRequired, reason)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
