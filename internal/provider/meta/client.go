// Package meta implements provider.Client over the Instagram and Facebook
// Graph APIs.
package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/internal/transfer"
)

const graphTimeLayout = "2006-01-02T15:04:05-0700"

// Graph error codes that carry meaning independent of HTTP status.
const (
	codeOAuthException = 190
	codeAppRateLimit   = 4
	codeUserRateLimit  = 17
	codePageRateLimit  = 32
	codeCallRateLimit  = 613
	codeBadParameter   = 100
	subcodeNotFound    = 33
)

type client struct {
	v           Variant
	http        *http.Client
	accessToken string
	metricNames struct{ account, post string }
}

// NewFactory returns a provider.Factory for the variant. A nil httpClient
// uses http.DefaultClient.
func NewFactory(v Variant, httpClient *http.Client) provider.Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(ctx context.Context, creds provider.Credentials) (provider.Client, error) {
		if creds.AccessToken == "" {
			return nil, errors.New("access token is empty")
		}
		c := &client{v: v, http: httpClient, accessToken: creds.AccessToken}
		c.metricNames.account = joinKeys(v.AccountMetrics)
		c.metricNames.post = joinKeys(v.PostMetrics)
		return c, nil
	}
}

func joinKeys(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (c *client) FetchAccountMetrics(ctx context.Context, accountID string, window provider.Window) (*provider.AccountMetricResult, error) {
	q := url.Values{}
	q.Set("metric", c.metricNames.account)
	q.Set("period", "day")
	q.Set("since", strconv.FormatInt(window.Since.Unix(), 10))
	q.Set("until", strconv.FormatInt(window.Until.Unix(), 10))

	var resp transfer.GraphInsightsResponse
	body, err := c.get(ctx, "fetch_account_metrics", c.v.BaseURL+"/"+url.PathEscape(accountID)+"/insights", q, &resp)
	if err != nil {
		return nil, err
	}

	days := make(map[int64]*provider.AccountDay)
	for _, insight := range resp.Data {
		field, ok := c.v.AccountMetrics[insight.Name]
		if !ok {
			continue
		}
		for _, val := range insight.Values {
			at, err := time.Parse(graphTimeLayout, val.EndTime)
			if err != nil {
				continue
			}
			day, ok := days[at.Unix()]
			if !ok {
				day = &provider.AccountDay{RecordedAt: at.UTC(), Raw: body}
				days[at.Unix()] = day
			}
			setField(&day.Values, field, decodeValue(val.Value))
		}
	}

	result := &provider.AccountMetricResult{Days: make([]provider.AccountDay, 0, len(days))}
	for _, d := range days {
		d.Values = d.Values.WithEngagementRate()
		result.Days = append(result.Days, *d)
	}
	sort.Slice(result.Days, func(i, j int) bool {
		return result.Days[i].RecordedAt.Before(result.Days[j].RecordedAt)
	})
	return result, nil
}

func (c *client) ListPosts(ctx context.Context, accountID string, window provider.Window, limit int) ([]provider.PostRef, error) {
	if limit <= 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("fields", "id,timestamp,created_time")
	q.Set("since", strconv.FormatInt(window.Since.Unix(), 10))
	q.Set("until", strconv.FormatInt(window.Until.Unix(), 10))
	q.Set("limit", strconv.Itoa(min(limit, 100)))

	next := c.v.BaseURL + "/" + url.PathEscape(accountID) + "/" + c.v.MediaEdge + "?" + q.Encode()
	refs := make([]provider.PostRef, 0, limit)

	for next != "" && len(refs) < limit {
		var page transfer.GraphMediaResponse
		if _, err := c.get(ctx, "list_posts", next, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Data {
			published := parsePublished(item)
			if !published.IsZero() && published.Before(window.Since) {
				// Edges are returned newest first.
				return refs, nil
			}
			refs = append(refs, provider.PostRef{ExternalID: item.ID, PublishedAt: published})
			if len(refs) == limit {
				break
			}
		}
		next = page.Paging.Next
	}
	return refs, nil
}

func parsePublished(item transfer.GraphMediaItem) time.Time {
	raw := item.Timestamp
	if raw == "" {
		raw = item.CreatedTime
	}
	t, err := time.Parse(graphTimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (c *client) FetchPostMetrics(ctx context.Context, ref provider.PostRef) (*provider.PostMetricResult, error) {
	q := url.Values{}
	q.Set("metric", c.metricNames.post)

	var resp transfer.GraphInsightsResponse
	body, err := c.get(ctx, "fetch_post_metrics", c.v.BaseURL+"/"+url.PathEscape(ref.ExternalID)+"/insights", q, &resp)
	if err != nil {
		return nil, err
	}

	result := &provider.PostMetricResult{ExternalID: ref.ExternalID, Raw: body}
	for _, insight := range resp.Data {
		field, ok := c.v.PostMetrics[insight.Name]
		if !ok || len(insight.Values) == 0 {
			continue
		}
		latest := insight.Values[len(insight.Values)-1]
		setField(&result.Values, field, decodeValue(latest.Value))
	}
	result.Values = result.Values.WithEngagementRate()
	return result, nil
}

func (c *client) ValidateCredentials(ctx context.Context, accountID string) (*provider.CredentialStatus, error) {
	q := url.Values{}
	q.Set("fields", "id")

	var obj transfer.GraphObject
	_, err := c.get(ctx, "validate_credentials", c.v.BaseURL+"/"+url.PathEscape(accountID), q, &obj)
	if err != nil {
		if provider.Classify(err) == provider.KindAuthExpired {
			return &provider.CredentialStatus{Valid: false}, nil
		}
		return nil, err
	}
	return &provider.CredentialStatus{Valid: obj.ID != ""}, nil
}

// get issues an authenticated GET, decodes a 2xx body into out and returns
// the raw body for archival.
func (c *client) get(ctx context.Context, op, rawURL string, q url.Values, out any) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, provider.NewError(provider.KindUnknown, op, err)
	}
	params := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			params.Set(k, v)
		}
	}
	params.Set("access_token", c.accessToken)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, provider.NewError(provider.KindUnknown, op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, provider.NewError(provider.KindTransient, op, ctx.Err())
		}
		return nil, provider.NewError(provider.KindTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewError(provider.KindTransient, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyGraph(op, resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, provider.NewError(provider.KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}
	return body, nil
}

// classifyGraph refines the status-based classification with the Graph
// error code, which Meta returns as 400 for most failures.
func classifyGraph(op string, resp *http.Response, body []byte) error {
	pe := provider.FromResponse(op, resp, body)

	var ge transfer.GraphErrorResponse
	if err := json.Unmarshal(body, &ge); err != nil || ge.Error.Code == 0 {
		return pe
	}

	switch ge.Error.Code {
	case codeOAuthException:
		pe.Kind = provider.KindAuthExpired
	case codeAppRateLimit, codeUserRateLimit, codePageRateLimit, codeCallRateLimit:
		pe.Kind = provider.KindRateLimited
	case codeBadParameter:
		if ge.Error.ErrorSubcode == subcodeNotFound {
			pe.Kind = provider.KindNotFound
		}
	}
	if pe.Kind == provider.KindUnknown && ge.Error.IsTransient {
		pe.Kind = provider.KindTransient
	}
	pe.Err = errors.New(ge.Error.Message)
	return pe
}

// decodeValue reads a Graph insight value, which is either a number or an
// object of per-type counts.
func decodeValue(raw json.RawMessage) int64 {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var byType map[string]int64
	if err := json.Unmarshal(raw, &byType); err == nil {
		var sum int64
		for _, v := range byType {
			sum += v
		}
		return sum
	}
	return 0
}

func setField(v *models.MetricValues, field string, n int64) {
	switch field {
	case fieldReach:
		v.Reach = n
	case fieldImpressions:
		v.Impressions = n
	case fieldLikes:
		v.Likes = n
	case fieldComments:
		v.Comments = n
	case fieldShares:
		v.Shares = n
	case fieldSaves:
		v.Saves = n
	}
}
