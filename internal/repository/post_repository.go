package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

// PostRepository is read-only: posts belong to the publishing side of the
// application.
type PostRepository interface {
	GetByExternalID(ctx context.Context, accountID int64, externalID string) (*models.Post, error)
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

func (r *postRepository) GetByExternalID(ctx context.Context, accountID int64, externalID string) (*models.Post, error) {
	query := `SELECT id, account_id, external_id, status, published_at, created_at
		FROM posts WHERE account_id = $1 AND external_id = $2`

	var post models.Post
	err := r.db.QueryRowContext(ctx, query, accountID, externalID).Scan(
		&post.ID, &post.AccountID, &post.ExternalID, &post.Status, &post.PublishedAt, &post.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return &post, nil
}
