package models

import "time"

type Post struct {
	ID          int64     `db:"id" json:"id"`
	AccountID   int64     `db:"account_id" json:"account_id"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	Status      string    `db:"status" json:"status"` // published, deleted
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

const (
	PostStatusPublished = "published"
	PostStatusDeleted   = "deleted"
)
