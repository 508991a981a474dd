package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maheshrc27/postflow-analytics/internal/archive"
	"github.com/maheshrc27/postflow-analytics/internal/lock"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/internal/repository/memory"
)

type fakeClient struct {
	mu    sync.Mutex
	calls map[string]int

	validErr    error
	invalid     bool
	nilStatus   bool
	accountErr  error
	accountDay  time.Time
	refs        []provider.PostRef
	listErr     error
	postMetrics func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error)
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(map[string]int)}
}

func (c *fakeClient) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[key]++
	return c.calls[key]
}

func (c *fakeClient) Calls(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func (c *fakeClient) FetchAccountMetrics(ctx context.Context, accountID string, window provider.Window) (*provider.AccountMetricResult, error) {
	c.count("account")
	if c.accountErr != nil {
		return nil, c.accountErr
	}
	return &provider.AccountMetricResult{Days: []provider.AccountDay{{
		RecordedAt: c.accountDay,
		Values:     models.MetricValues{Reach: 500, Impressions: 900},
	}}}, nil
}

func (c *fakeClient) ListPosts(ctx context.Context, accountID string, window provider.Window, limit int) ([]provider.PostRef, error) {
	c.count("list")
	return c.refs, c.listErr
}

func (c *fakeClient) FetchPostMetrics(ctx context.Context, ref provider.PostRef) (*provider.PostMetricResult, error) {
	attempt := c.count("post:" + ref.ExternalID)
	if c.postMetrics != nil {
		return c.postMetrics(ref, attempt)
	}
	return &provider.PostMetricResult{ExternalID: ref.ExternalID, Values: models.MetricValues{Reach: 50, Likes: 5}}, nil
}

func (c *fakeClient) ValidateCredentials(ctx context.Context, accountID string) (*provider.CredentialStatus, error) {
	c.count("validate")
	if c.validErr != nil {
		return nil, c.validErr
	}
	if c.nilStatus {
		return nil, nil
	}
	return &provider.CredentialStatus{Valid: !c.invalid}, nil
}

type staticClients struct {
	client provider.Client
}

func (s staticClients) ClientFor(ctx context.Context, platform models.Platform, creds provider.Credentials) (provider.Client, error) {
	return s.client, nil
}

type staticCredentials struct{}

func (staticCredentials) Resolve(ctx context.Context, account *models.Account) (provider.Credentials, error) {
	return provider.Credentials{AccessToken: "token"}, nil
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []*archive.Record
}

func (a *recordingArchiver) Archive(ctx context.Context, rec *archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type executorFixture struct {
	exec      *syncExecutor
	accounts  *memory.AccountRepository
	posts     *memory.PostRepository
	snapshots *memory.MetricSnapshotRepository
	runs      *memory.SyncRunRepository
	client    *fakeClient
	account   *models.Account
	now       time.Time

	mu    sync.Mutex
	slept []time.Duration
}

func newExecutorFixture(t *testing.T, archiver RunArchiver, postIDs ...string) *executorFixture {
	t.Helper()
	f := &executorFixture{
		accounts:  memory.NewAccountRepository(),
		posts:     memory.NewPostRepository(),
		snapshots: memory.NewMetricSnapshotRepository(),
		runs:      memory.NewSyncRunRepository(),
		client:    newFakeClient(),
		now:       time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.client.accountDay = f.now
	f.account = f.accounts.Add(models.Account{
		Platform:      models.PlatformInstagram,
		ExternalID:    "ig-1",
		CredentialRef: "sealed",
	})
	for _, id := range postIDs {
		f.posts.Add(models.Post{AccountID: f.account.ID, ExternalID: id, Status: models.PostStatusPublished})
		f.client.refs = append(f.client.refs, provider.PostRef{ExternalID: id})
	}

	engine := NewUpsertEngine(testSyncConfig(), f.snapshots, f.accounts, lock.NewKeyedMutex())
	exec := NewSyncExecutor(testSyncConfig(), f.accounts, f.posts, f.runs, engine,
		staticCredentials{}, staticClients{client: f.client}, archiver).(*syncExecutor)
	exec.now = func() time.Time { return f.now }
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.slept = append(f.slept, d)
		return nil
	}
	f.exec = exec
	return f
}

var testBackfill = Strategy{Name: StrategyBackfill, DaysBack: 30, ItemLimit: 100}

func (f *executorFixture) rowsOf(subject models.SubjectType) int {
	n := 0
	for _, s := range f.snapshots.All() {
		if s.SubjectType == subject {
			n++
		}
	}
	return n
}

func (f *executorFixture) lastSync(t *testing.T) *time.Time {
	t.Helper()
	a, err := f.accounts.GetByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	return a.LastSuccessfulSyncAt
}

func TestExecuteSuccess(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	dayD := f.now
	dayBefore := f.now.AddDate(0, 0, -1)
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		at := dayD
		if ref.ExternalID == "p2" {
			at = dayBefore
		}
		return &provider.PostMetricResult{ExternalID: ref.ExternalID, RecordedAt: at, Values: models.MetricValues{Reach: 50, Likes: 5}}, nil
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, run.Outcome)
	assert.Equal(t, 2, run.ItemsProcessed)
	assert.Zero(t, run.ItemsFailed)
	assert.Equal(t, 3, run.SnapshotsInserted)
	assert.Equal(t, StrategyBackfill, run.Strategy)
	assert.Equal(t, models.TriggerSchedule, run.Trigger)
	require.NotNil(t, run.FinishedAt)

	days := map[string]bool{}
	for _, s := range f.snapshots.All() {
		if s.SubjectType == models.SubjectPost {
			days[s.ObservationDay.Format(time.DateOnly)] = true
		}
	}
	assert.Equal(t, 2, f.rowsOf(models.SubjectPost))
	assert.Equal(t, map[string]bool{"2025-03-10": true, "2025-03-09": true}, days)
	assert.Equal(t, 1, f.rowsOf(models.SubjectAccount))

	last := f.lastSync(t)
	require.NotNil(t, last)
	assert.True(t, last.Equal(run.StartedAt))

	stored, err := f.runs.LatestByAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, stored.ID)
	assert.Equal(t, models.SyncOutcomeSuccess, stored.Outcome)
}

func TestExecuteAccountMetricsFailureContinues(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	f.client.accountErr = provider.NewError(provider.KindTransient, "account insights", errors.New("502"))

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomePartial, run.Outcome)
	assert.True(t, run.AccountMetricsFailed)
	assert.Equal(t, 2, run.ItemsProcessed)
	assert.Zero(t, run.ItemsFailed)
	assert.Contains(t, run.ErrorSummary, "account metrics")
	assert.Equal(t, 2, f.rowsOf(models.SubjectPost))
	assert.Zero(t, f.rowsOf(models.SubjectAccount))
	assert.NotNil(t, f.lastSync(t))
}

func TestExecuteAccountAndPostsFailIsFailure(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	f.client.accountErr = provider.NewError(provider.KindTransient, "account insights", errors.New("502"))
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		return nil, provider.NewError(provider.KindTransient, "insights", errors.New("503"))
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	var failure *RunFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Retryable)
	assert.Equal(t, models.SyncOutcomeFailure, run.Outcome)
	assert.Equal(t, 2, run.ItemsFailed)
	assert.Empty(t, f.snapshots.All())
	assert.Nil(t, f.lastSync(t))
}

func TestExecuteListPostsFailure(t *testing.T) {
	t.Run("account metrics stored", func(t *testing.T) {
		f := newExecutorFixture(t, nil, "p1")
		f.client.listErr = provider.NewError(provider.KindTransient, "list media", errors.New("timeout"))

		run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, models.SyncOutcomePartial, run.Outcome)
		assert.Zero(t, run.ItemsProcessed)
		assert.Contains(t, run.ErrorSummary, "list posts")
		assert.Zero(t, f.client.Calls("post:p1"))
		assert.Equal(t, 1, f.rowsOf(models.SubjectAccount))
	})

	t.Run("nothing collected", func(t *testing.T) {
		f := newExecutorFixture(t, nil, "p1")
		f.client.accountErr = provider.NewError(provider.KindTransient, "account insights", errors.New("502"))
		f.client.listErr = provider.NewError(provider.KindTransient, "list media", errors.New("timeout"))

		run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
		var failure *RunFailure
		require.ErrorAs(t, err, &failure)
		assert.True(t, failure.Retryable)
		assert.Equal(t, models.SyncOutcomeFailure, run.Outcome)
		assert.Nil(t, f.lastSync(t))
	})
}

func TestExecuteValidationWithoutStatus(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1")
	f.client.nilStatus = true

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, f.rowsOf(models.SubjectPost))

	a, err := f.accounts.GetByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, a.AccountStatus)
}

func TestExecutePartial(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}
	f := newExecutorFixture(t, nil, ids...)
	failing := map[string]bool{"p0": true, "p4": true, "p9": true}
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		if failing[ref.ExternalID] {
			return nil, provider.NewError(provider.KindTransient, "insights", errors.New("502"))
		}
		return &provider.PostMetricResult{Values: models.MetricValues{Reach: 10}}, nil
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, "")
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomePartial, run.Outcome)
	assert.Equal(t, 10, run.ItemsProcessed)
	assert.Equal(t, 3, run.ItemsFailed)
	assert.Equal(t, models.TriggerManual, run.Trigger)
	assert.Contains(t, run.ErrorSummary, "post p4")
	assert.Equal(t, 7, f.rowsOf(models.SubjectPost))
	assert.NotNil(t, f.lastSync(t))
}

func TestExecuteAllItemsFail(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2", "p3")
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		return nil, provider.NewError(provider.KindTransient, "insights", errors.New("503"))
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.Error(t, err)
	assert.Equal(t, models.SyncOutcomeFailure, run.Outcome)

	var failure *RunFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Retryable)
	assert.Equal(t, provider.KindTransient, failure.Kind)
	assert.Equal(t, run.ID, failure.RunID)
	assert.Nil(t, f.lastSync(t))
}

func TestExecuteAuthExpired(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1")
	f.client.invalid = true

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	var failure *RunFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, provider.KindAuthExpired, failure.Kind)
	assert.False(t, failure.Retryable)
	assert.Equal(t, models.SyncOutcomeFailure, run.Outcome)
	assert.Zero(t, f.client.Calls("account"))
	assert.Zero(t, f.client.Calls("post:p1"))

	a, err := f.accounts.GetByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusReauthRequired, a.AccountStatus)
	assert.Nil(t, a.LastSuccessfulSyncAt)
}

func TestExecuteAuthExpiredMidRun(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1")
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		return nil, &provider.Error{Kind: provider.KindAuthExpired, Op: "insights", Status: 401}
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	var failure *RunFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, provider.KindAuthExpired, failure.Kind)
	assert.Equal(t, models.SyncOutcomeFailure, run.Outcome)
	assert.Nil(t, f.lastSync(t))
}

func TestExecuteRateLimitRetriesOnce(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1")
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		if attempt == 1 {
			return nil, &provider.Error{Kind: provider.KindRateLimited, Op: "insights", RetryAfter: 3 * time.Second}
		}
		return &provider.PostMetricResult{Values: models.MetricValues{Reach: 10}}, nil
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, run.Outcome)
	assert.Equal(t, 2, f.client.Calls("post:p1"))
	assert.Equal(t, []time.Duration{3 * time.Second}, f.slept)
}

func TestExecuteRateLimitTwiceFailsItem(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		if ref.ExternalID == "p1" {
			return nil, &provider.Error{Kind: provider.KindRateLimited, Op: "insights"}
		}
		return &provider.PostMetricResult{Values: models.MetricValues{Reach: 10}}, nil
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomePartial, run.Outcome)
	assert.Equal(t, 1, run.ItemsFailed)
	assert.Equal(t, 2, f.client.Calls("post:p1"))
	assert.Equal(t, []time.Duration{time.Second}, f.slept)
}

func TestExecuteSkipsUnknownAndMissingPosts(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "gone")
	f.client.refs = append(f.client.refs, provider.PostRef{ExternalID: "ghost"})
	f.client.postMetrics = func(ref provider.PostRef, attempt int) (*provider.PostMetricResult, error) {
		if ref.ExternalID == "gone" {
			return nil, &provider.Error{Kind: provider.KindNotFound, Op: "insights", Status: 404}
		}
		return &provider.PostMetricResult{Values: models.MetricValues{Reach: 10}}, nil
	}

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, run.Outcome)
	assert.Equal(t, 2, run.ItemsProcessed)
	assert.Equal(t, 2, run.ItemsSkipped)
	assert.Zero(t, f.client.Calls("post:ghost"))
	assert.Equal(t, 1, f.rowsOf(models.SubjectPost))
}

func TestExecuteRerunWithinRecollectInterval(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	ctx := context.Background()

	_, err := f.exec.Execute(ctx, f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)

	run, err := f.exec.Execute(ctx, f.account.ID, testBackfill, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, run.Outcome)
	assert.Zero(t, run.SnapshotsInserted)
	assert.Equal(t, 3, run.SnapshotsSkipped)
	assert.Len(t, f.snapshots.All(), 3)
}

func TestExecuteArchivesRun(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newExecutorFixture(t, archiver, "p1", "p2")

	run, err := f.exec.Execute(context.Background(), f.account.ID, testBackfill, models.TriggerSchedule)
	require.NoError(t, err)

	require.Len(t, archiver.records, 1)
	rec := archiver.records[0]
	assert.Equal(t, run.ID, rec.Run.ID)
	assert.Len(t, rec.Items, 3)
}

func TestExecuteConcurrentRunsDoNotDuplicate(t *testing.T) {
	f := newExecutorFixture(t, nil, "p1", "p2")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.exec.Execute(ctx, f.account.ID, testBackfill, models.TriggerManual)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 2, f.rowsOf(models.SubjectPost))
	assert.Equal(t, 1, f.rowsOf(models.SubjectAccount))
}

func TestExecuteUnknownAccount(t *testing.T) {
	f := newExecutorFixture(t, nil)

	_, err := f.exec.Execute(context.Background(), 0, testBackfill, "")
	assert.ErrorIs(t, err, ErrInvalidAccount)

	_, err = f.exec.Execute(context.Background(), 404, testBackfill, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
