// Package provider defines the capability the sync engine consumes from
// platform clients, the error taxonomy callers classify against, and the
// per-platform registry the executor resolves clients from.
package provider

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type Window struct {
	Since    time.Time
	Until    time.Time
	DaysBack int
}

type PostRef struct {
	ExternalID  string
	PublishedAt time.Time
}

// AccountDay is one day of account-level insights.
type AccountDay struct {
	RecordedAt time.Time
	Values     models.MetricValues
	Raw        json.RawMessage
}

type AccountMetricResult struct {
	Days []AccountDay
}

type PostMetricResult struct {
	ExternalID string
	// RecordedAt is the observation time reported by the platform; zero
	// means "now" to the caller.
	RecordedAt time.Time
	Values     models.MetricValues
	Raw        json.RawMessage
}

type CredentialStatus struct {
	Valid            bool
	ExpiresInSeconds *int64
}

// Credentials are the decrypted secrets for one account.
type Credentials struct {
	AccessToken string
	ExpiresAt   *time.Time
}

// Client is one platform's fetch capability bound to one account's
// credentials.
type Client interface {
	FetchAccountMetrics(ctx context.Context, accountID string, window Window) (*AccountMetricResult, error)
	ListPosts(ctx context.Context, accountID string, window Window, limit int) ([]PostRef, error)
	FetchPostMetrics(ctx context.Context, ref PostRef) (*PostMetricResult, error)
	ValidateCredentials(ctx context.Context, accountID string) (*CredentialStatus, error)
}

// Factory builds a Client for one account.
type Factory func(ctx context.Context, creds Credentials) (Client, error)
