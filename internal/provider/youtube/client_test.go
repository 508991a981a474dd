package youtube

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/maheshrc27/postflow-analytics/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) provider.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewFactory(option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))(
		context.Background(), provider.Credentials{AccessToken: "tok"})
	require.NoError(t, err)
	return c
}

func TestFetchPostMetrics(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "videos")
		assert.Equal(t, "v1", r.URL.Query().Get("id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"v1","statistics":{"viewCount":"1000","likeCount":"40","commentCount":"10"}}]}`))
	})

	res, err := c.FetchPostMetrics(context.Background(), provider.PostRef{ExternalID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Values.Impressions)
	assert.Equal(t, int64(40), res.Values.Likes)
	assert.InDelta(t, 0.05, res.Values.EngagementRate, 1e-9)
}

func TestFetchPostMetricsMissingVideo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	})

	_, err := c.FetchPostMetrics(context.Background(), provider.PostRef{ExternalID: "gone"})
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.Classify(err))
}

func TestQuotaErrorIsRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"reason":"quotaExceeded","message":"quota"}]}}`))
	})

	_, err := c.FetchPostMetrics(context.Background(), provider.PostRef{ExternalID: "v1"})
	require.Error(t, err)
	assert.Equal(t, provider.KindRateLimited, provider.Classify(err))
}

func TestValidateCredentialsUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"invalid credentials"}}`))
	})

	status, err := c.ValidateCredentials(context.Background(), "ch")
	require.NoError(t, err)
	assert.False(t, status.Valid)
}
