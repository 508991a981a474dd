package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

// MetricSnapshotRepository is the metric store. Only the upsert engine
// writes through it.
type MetricSnapshotRepository interface {
	// LatestForDay returns the authoritative snapshot for the subject and
	// day, or nil when there is none.
	LatestForDay(ctx context.Context, subjectType models.SubjectType, subjectID int64, day time.Time) (*models.MetricSnapshot, error)
	// Insert writes s only if no row exists yet for its subject and day and
	// returns ErrConflict otherwise.
	Insert(ctx context.Context, s *models.MetricSnapshot) (int64, error)
	// UpdateValues refreshes row id in place provided its recorded_at still
	// equals expectedRecordedAt, returning ErrConflict otherwise.
	UpdateValues(ctx context.Context, id int64, expectedRecordedAt time.Time, s *models.MetricSnapshot) error
	ListDuplicateGroups(ctx context.Context, accountID int64, since time.Time) ([]models.DuplicateGroup, error)
	// CollapseDuplicates keeps the row with the latest recorded_at for the
	// group and deletes the rest.
	CollapseDuplicates(ctx context.Context, g models.DuplicateGroup) (int64, error)
	ListAuthoritative(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error)
}

type metricSnapshotRepository struct {
	db *sql.DB
}

func NewMetricSnapshotRepository(db *sql.DB) MetricSnapshotRepository {
	return &metricSnapshotRepository{db: db}
}

const snapshotColumns = `id, account_id, subject_type, subject_id, recorded_at, observation_day,
	reach, impressions, likes, comments, shares, saves, engagement_rate, raw_payload, created_at, updated_at`

func scanSnapshot(row rowScanner) (*models.MetricSnapshot, error) {
	var s models.MetricSnapshot
	var raw []byte
	err := row.Scan(&s.ID, &s.AccountID, &s.SubjectType, &s.SubjectID, &s.RecordedAt, &s.ObservationDay,
		&s.Reach, &s.Impressions, &s.Likes, &s.Comments, &s.Shares, &s.Saves, &s.EngagementRate,
		&raw, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.RawPayload = raw
	return &s, nil
}

func rawPayloadArg(s *models.MetricSnapshot) sql.NullString {
	if len(s.RawPayload) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(s.RawPayload), Valid: true}
}

func (r *metricSnapshotRepository) LatestForDay(ctx context.Context, subjectType models.SubjectType, subjectID int64, day time.Time) (*models.MetricSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM metric_snapshots
		WHERE subject_type = $1 AND subject_id = $2 AND observation_day = $3::date
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	s, err := scanSnapshot(r.db.QueryRowContext(ctx, query, subjectType, subjectID, dayString(day)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return s, nil
}

// insertSnapshotQuery writes nothing when the (subject, day) key is taken,
// so concurrent writers in different processes fail closed.
const insertSnapshotQuery = `
	INSERT INTO metric_snapshots (
		account_id,
		subject_type,
		subject_id,
		recorded_at,
		observation_day,
		reach,
		impressions,
		likes,
		comments,
		shares,
		saves,
		engagement_rate,
		raw_payload
	)
	VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
	ON CONFLICT (subject_type, subject_id, observation_day) DO NOTHING
	RETURNING id
`

func (r *metricSnapshotRepository) Insert(ctx context.Context, s *models.MetricSnapshot) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, insertSnapshotQuery,
		s.AccountID,
		s.SubjectType,
		s.SubjectID,
		s.RecordedAt,
		dayString(s.ObservationDay),
		s.Reach,
		s.Impressions,
		s.Likes,
		s.Comments,
		s.Shares,
		s.Saves,
		s.EngagementRate,
		rawPayloadArg(s),
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrConflict
		}
		slog.Info(err.Error())
		return 0, err
	}
	return id, nil
}

func (r *metricSnapshotRepository) UpdateValues(ctx context.Context, id int64, expectedRecordedAt time.Time, s *models.MetricSnapshot) error {
	query := `
		UPDATE metric_snapshots
		SET recorded_at = $3,
			reach = $4,
			impressions = $5,
			likes = $6,
			comments = $7,
			shares = $8,
			saves = $9,
			engagement_rate = $10,
			raw_payload = $11::jsonb,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND recorded_at = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, expectedRecordedAt, s.RecordedAt,
		s.Reach, s.Impressions, s.Likes, s.Comments, s.Shares, s.Saves, s.EngagementRate, rawPayloadArg(s))
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

func (r *metricSnapshotRepository) ListDuplicateGroups(ctx context.Context, accountID int64, since time.Time) ([]models.DuplicateGroup, error) {
	query := `
		SELECT subject_type, subject_id, observation_day, COUNT(*)
		FROM metric_snapshots
		WHERE account_id = $1 AND observation_day >= $2::date
		GROUP BY subject_type, subject_id, observation_day
		HAVING COUNT(*) > 1
		ORDER BY observation_day, subject_type, subject_id
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, dayString(since))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var groups []models.DuplicateGroup
	for rows.Next() {
		var g models.DuplicateGroup
		if err := rows.Scan(&g.SubjectType, &g.SubjectID, &g.ObservationDay, &g.Rows); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return groups, nil
}

func (r *metricSnapshotRepository) CollapseDuplicates(ctx context.Context, g models.DuplicateGroup) (int64, error) {
	query := `
		DELETE FROM metric_snapshots
		WHERE subject_type = $1 AND subject_id = $2 AND observation_day = $3::date
		AND id <> (
			SELECT id FROM metric_snapshots
			WHERE subject_type = $1 AND subject_id = $2 AND observation_day = $3::date
			ORDER BY recorded_at DESC, id DESC
			LIMIT 1
		)
	`
	result, err := r.db.ExecContext(ctx, query, g.SubjectType, g.SubjectID, dayString(g.ObservationDay))
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return result.RowsAffected()
}

func (r *metricSnapshotRepository) ListAuthoritative(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error) {
	query := `SELECT DISTINCT ON (observation_day) ` + snapshotColumns + ` FROM metric_snapshots
		WHERE subject_type = $1 AND subject_id = $2
		AND observation_day BETWEEN $3::date AND $4::date
		ORDER BY observation_day, recorded_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, subjectType, subjectID, dayString(from), dayString(to))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var snapshots []*models.MetricSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return snapshots, nil
}
