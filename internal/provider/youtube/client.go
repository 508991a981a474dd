// Package youtube implements provider.Client over the YouTube Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
)

type client struct {
	svc *yt.Service
}

// NewFactory returns a provider.Factory. Extra options are appended to the
// per-account token source, which lets tests point the client elsewhere.
func NewFactory(opts ...option.ClientOption) provider.Factory {
	return func(ctx context.Context, creds provider.Credentials) (provider.Client, error) {
		if creds.AccessToken == "" {
			return nil, errors.New("access token is empty")
		}
		token := &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}
		if creds.ExpiresAt != nil {
			token.Expiry = *creds.ExpiresAt
		}

		all := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, opts...)
		svc, err := yt.NewService(ctx, all...)
		if err != nil {
			return nil, fmt.Errorf("create youtube service: %w", err)
		}
		return &client{svc: svc}, nil
	}
}

// FetchAccountMetrics reports the channel's lifetime statistics as a single
// observation. The Data API has no per-day channel insights.
func (c *client) FetchAccountMetrics(ctx context.Context, accountID string, window provider.Window) (*provider.AccountMetricResult, error) {
	const op = "fetch_account_metrics"
	resp, err := c.svc.Channels.List([]string{"statistics"}).Id(accountID).Context(ctx).Do()
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Statistics == nil {
		return nil, provider.NewError(provider.KindNotFound, op, fmt.Errorf("channel %s not found", accountID))
	}

	stats := resp.Items[0].Statistics
	raw, _ := json.Marshal(stats)
	values := models.MetricValues{Impressions: int64(stats.ViewCount)}

	return &provider.AccountMetricResult{Days: []provider.AccountDay{{
		RecordedAt: time.Now().UTC(),
		Values:     values.WithEngagementRate(),
		Raw:        raw,
	}}}, nil
}

func (c *client) ListPosts(ctx context.Context, accountID string, window provider.Window, limit int) ([]provider.PostRef, error) {
	const op = "list_posts"
	if limit <= 0 {
		return nil, nil
	}

	call := c.svc.Search.List([]string{"id", "snippet"}).
		ChannelId(accountID).
		Type("video").
		Order("date").
		PublishedAfter(window.Since.UTC().Format(time.RFC3339)).
		PublishedBefore(window.Until.UTC().Format(time.RFC3339)).
		MaxResults(int64(min(limit, 50)))

	refs := make([]provider.PostRef, 0, limit)
	for len(refs) < limit {
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classify(op, err)
		}
		for _, item := range resp.Items {
			if item.Id == nil || item.Id.VideoId == "" {
				continue
			}
			ref := provider.PostRef{ExternalID: item.Id.VideoId}
			if item.Snippet != nil {
				if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
					ref.PublishedAt = t.UTC()
				}
			}
			refs = append(refs, ref)
			if len(refs) == limit {
				break
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		call = call.PageToken(resp.NextPageToken)
	}
	return refs, nil
}

func (c *client) FetchPostMetrics(ctx context.Context, ref provider.PostRef) (*provider.PostMetricResult, error) {
	const op = "fetch_post_metrics"
	resp, err := c.svc.Videos.List([]string{"statistics"}).Id(ref.ExternalID).Context(ctx).Do()
	if err != nil {
		return nil, classify(op, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Statistics == nil {
		return nil, provider.NewError(provider.KindNotFound, op, fmt.Errorf("video %s not found", ref.ExternalID))
	}

	stats := resp.Items[0].Statistics
	raw, _ := json.Marshal(stats)
	values := models.MetricValues{
		Impressions: int64(stats.ViewCount),
		Likes:       int64(stats.LikeCount),
		Comments:    int64(stats.CommentCount),
		Saves:       int64(stats.FavoriteCount),
	}

	return &provider.PostMetricResult{
		ExternalID: ref.ExternalID,
		Values:     values.WithEngagementRate(),
		Raw:        raw,
	}, nil
}

func (c *client) ValidateCredentials(ctx context.Context, accountID string) (*provider.CredentialStatus, error) {
	const op = "validate_credentials"
	_, err := c.svc.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
	if err != nil {
		classified := classify(op, err)
		if provider.Classify(classified) == provider.KindAuthExpired {
			return &provider.CredentialStatus{Valid: false}, nil
		}
		return nil, classified
	}
	return &provider.CredentialStatus{Valid: true}, nil
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return provider.NewError(provider.KindTransient, op, err)
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return provider.NewError(provider.KindAuthExpired, op, err)
		}
		return provider.NewError(provider.KindUnknown, op, err)
	}

	pe := &provider.Error{Op: op, Status: gerr.Code, Err: err}
	switch {
	case gerr.Code == http.StatusUnauthorized:
		pe.Kind = provider.KindAuthExpired
	case gerr.Code == http.StatusTooManyRequests || isQuotaError(gerr):
		pe.Kind = provider.KindRateLimited
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case gerr.Code == http.StatusNotFound:
		pe.Kind = provider.KindNotFound
	case gerr.Code >= 500:
		pe.Kind = provider.KindTransient
	default:
		pe.Kind = provider.KindUnknown
	}
	return pe
}

func isQuotaError(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
