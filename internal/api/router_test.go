package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maheshrc27/postflow-analytics/internal/api/handlers"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
	"github.com/maheshrc27/postflow-analytics/internal/service"
	"github.com/maheshrc27/postflow-analytics/pkg/utils"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeSync struct {
	service.SyncService
	lastTrigger service.TriggerRequest
	lastFrom    time.Time
	lastType    models.SubjectType
	cleanupDays int
}

func (f *fakeSync) TriggerSync(ctx context.Context, req service.TriggerRequest) (*service.TriggerResult, error) {
	f.lastTrigger = req
	if req.AccountID == 404 {
		return nil, service.ErrAccountNotFound
	}
	if req.Strategy != "" && !service.ValidStrategy(req.Strategy) {
		return nil, service.ErrUnknownStrategy
	}
	if req.Wait {
		return &service.TriggerResult{Run: &models.SyncRun{ID: "run-1", AccountID: req.AccountID, Outcome: models.SyncOutcomeSuccess}}, nil
	}
	return &service.TriggerResult{Handle: &scheduler.JobHandle{ID: "h-1", Backend: scheduler.BackendTimer, Queue: scheduler.PriorityDefault}}, nil
}

func (f *fakeSync) GetSyncStatus(ctx context.Context, accountID int64) (*service.SyncStatus, error) {
	return &service.SyncStatus{AccountID: accountID, Jobs: []models.ScheduledJob{}}, nil
}

func (f *fakeSync) ListRuns(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error) {
	return nil, nil
}

func (f *fakeSync) SubjectMetrics(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error) {
	f.lastType = subjectType
	f.lastFrom = from
	return []*models.MetricSnapshot{{SubjectType: subjectType, SubjectID: subjectID}}, nil
}

func (f *fakeSync) CleanupDuplicates(ctx context.Context, accountID int64, days int) (*service.CleanupResult, error) {
	f.cleanupDays = days
	return &service.CleanupResult{AccountID: accountID, GroupsCollapsed: 1, RowsRemoved: 4}, nil
}

type fakeJobs struct {
	triggered []string
}

func (f *fakeJobs) Statuses() []models.ScheduledJob {
	return []models.ScheduledJob{{Name: "account_sync", Healthy: true}}
}

func (f *fakeJobs) Status(name string) (models.ScheduledJob, error) {
	if name != "account_sync" {
		return models.ScheduledJob{}, scheduler.ErrJobNotFound
	}
	return models.ScheduledJob{Name: name}, nil
}

func (f *fakeJobs) TriggerAsync(name string) error {
	if name != "account_sync" {
		return scheduler.ErrJobNotFound
	}
	f.triggered = append(f.triggered, name)
	return nil
}

func (f *fakeJobs) StartJob(name string) error { return nil }
func (f *fakeJobs) StopJob(name string) error  { return nil }

func (f *fakeJobs) Unhealthy() []string { return nil }

func newTestApp(t *testing.T, secret string) (*fakeSync, *fakeJobs, func(*http.Request) *http.Response) {
	t.Helper()
	syncSvc := &fakeSync{}
	jobs := &fakeJobs{}
	backend := scheduler.NewTimerBackend(1, nil)
	t.Cleanup(func() { _ = backend.Shutdown(context.Background()) })

	app := NewApp(Options{SecretKey: secret}, Handlers{
		Sync:   handlers.NewSyncHandler(syncSvc),
		Jobs:   handlers.NewJobHandler(jobs),
		Queues: handlers.NewQueueHandler(backend, time.Hour),
		Health: handlers.NewHealthHandler(backend.Name(), jobs),
	})

	do := func(req *http.Request) *http.Response {
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		return resp
	}
	return syncSvc, jobs, do
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, v), string(body))
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.GenerateToken(testSecret, "7", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestTriggerSyncQueuedAndInline(t *testing.T) {
	syncSvc, _, do := newTestApp(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/12/sync", strings.NewReader(`{"strategy":"gap_fill","priority":"critical"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := do(req)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var handle scheduler.JobHandle
	decode(t, resp, &handle)
	assert.Equal(t, "h-1", handle.ID)
	assert.Equal(t, int64(12), syncSvc.lastTrigger.AccountID)
	assert.Equal(t, "gap_fill", syncSvc.lastTrigger.Strategy)
	assert.Equal(t, "critical", syncSvc.lastTrigger.Priority)
	assert.Equal(t, models.TriggerManual, syncSvc.lastTrigger.Trigger)

	req = httptest.NewRequest(http.MethodPost, "/api/accounts/12/sync", strings.NewReader(`{"wait":true}`))
	req.Header.Set("Content-Type", "application/json")
	resp = do(req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var run models.SyncRun
	decode(t, resp, &run)
	assert.Equal(t, "run-1", run.ID)
}

func TestAccountReconnectedQueuesSync(t *testing.T) {
	syncSvc, _, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodPost, "/api/accounts/31/reconnected", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(31), syncSvc.lastTrigger.AccountID)
	assert.Equal(t, models.TriggerReconnect, syncSvc.lastTrigger.Trigger)
	assert.False(t, syncSvc.lastTrigger.Wait)

	resp = do(httptest.NewRequest(http.MethodPost, "/api/accounts/404/reconnected", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerSyncErrors(t *testing.T) {
	_, _, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodPost, "/api/accounts/404/sync", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(httptest.NewRequest(http.MethodPost, "/api/accounts/abc/sync", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/1/sync", strings.NewReader(`{"strategy":"everything"}`))
	req.Header.Set("Content-Type", "application/json")
	resp = do(req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubjectMetricsQuery(t *testing.T) {
	syncSvc, _, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodGet, "/api/subjects/post/5/metrics?from=2025-01-02", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SubjectPost, syncSvc.lastType)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), syncSvc.lastFrom)

	resp = do(httptest.NewRequest(http.MethodGet, "/api/subjects/post/5/metrics?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanupAndRuns(t *testing.T) {
	syncSvc, _, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodPost, "/api/accounts/3/snapshots/cleanup?days=14", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 14, syncSvc.cleanupDays)

	resp = do(httptest.NewRequest(http.MethodGet, "/api/accounts/3/sync/runs", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.SyncRun
	decode(t, resp, &runs)
	assert.Empty(t, runs)

	resp = do(httptest.NewRequest(http.MethodGet, "/api/accounts/3/sync/runs?limit=1000", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobRoutes(t *testing.T) {
	_, jobs, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodPost, "/api/jobs/account_sync/trigger", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"account_sync"}, jobs.triggered)

	resp = do(httptest.NewRequest(http.MethodPost, "/api/jobs/nope/trigger", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(httptest.NewRequest(http.MethodPost, "/api/jobs/nope/stop", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueRoutesOnTimerBackend(t *testing.T) {
	_, _, do := newTestApp(t, "")

	resp := do(httptest.NewRequest(http.MethodPost, "/api/queues/default/pause", nil))
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp = do(httptest.NewRequest(http.MethodPost, "/api/queues/cleanup?older_than=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	_, _, do := newTestApp(t, testSecret)

	resp := do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
	}
	decode(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, scheduler.BackendTimer, health.Backend)

	resp = do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	_, _, do := newTestApp(t, testSecret)

	resp := do(httptest.NewRequest(http.MethodGet, "/api/accounts/1/sync/status", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp = do(req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/accounts/1/sync/status", nil)
	req.Header.Set("Authorization", token(t, ""))
	resp = do(req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", token(t, ""))
	resp = do(req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", token(t, "admin"))
	resp = do(req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
