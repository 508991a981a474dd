package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/archive"
	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
)

var ErrAccountNotFound = errors.New("account not found")

const (
	progressEvery       = 10
	maxRateLimitWait    = time.Minute
	archiveTimeout      = 30 * time.Second
	finalizeGracePeriod = 10 * time.Second
)

// RunFailure is returned alongside a SyncRun whose outcome is FAILURE.
// Retryable is set when the failure came from transient provider errors
// that a later attempt may not hit.
type RunFailure struct {
	RunID     string
	Kind      provider.Kind
	Retryable bool
	Summary   string
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("sync run %s failed (%s): %s", e.RunID, e.Kind, e.Summary)
}

// ClientProvider resolves a guarded Client for a platform.
type ClientProvider interface {
	ClientFor(ctx context.Context, platform models.Platform, creds provider.Credentials) (provider.Client, error)
}

// RunArchiver stores finished runs with their raw payloads.
type RunArchiver interface {
	Archive(ctx context.Context, rec *archive.Record) error
}

type SyncExecutor interface {
	// Execute runs one sync for the account with the given strategy. The
	// returned run is finalized; err is a *RunFailure when its outcome is
	// FAILURE, or an infrastructure error when no run could be recorded.
	Execute(ctx context.Context, accountID int64, strategy Strategy, trigger string) (*models.SyncRun, error)
}

type syncExecutor struct {
	cfg         config.SyncConfig
	accounts    repository.AccountRepository
	posts       repository.PostRepository
	runs        repository.SyncRunRepository
	engine      UpsertEngine
	credentials CredentialService
	clients     ClientProvider
	archiver    RunArchiver

	runSlots *semaphore.Weighted

	mu           sync.Mutex
	accountSlots map[int64]*semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSyncExecutor(
	cfg config.SyncConfig,
	accounts repository.AccountRepository,
	posts repository.PostRepository,
	runs repository.SyncRunRepository,
	engine UpsertEngine,
	credentials CredentialService,
	clients ClientProvider,
	archiver RunArchiver) SyncExecutor {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns < 1 {
		maxRuns = 1
	}
	if cfg.MaxConcurrentCallsPerAccount < 1 {
		cfg.MaxConcurrentCallsPerAccount = 1
	}
	if cfg.ProviderCallTimeout <= 0 {
		cfg.ProviderCallTimeout = 30 * time.Second
	}
	return &syncExecutor{
		cfg:          cfg,
		accounts:     accounts,
		posts:        posts,
		runs:         runs,
		engine:       engine,
		credentials:  credentials,
		clients:      clients,
		archiver:     archiver,
		runSlots:     semaphore.NewWeighted(int64(maxRuns)),
		accountSlots: make(map[int64]*semaphore.Weighted),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// accountSlot bounds concurrent provider calls for one account across every
// run touching it. Waiters queue on the semaphore.
func (e *syncExecutor) accountSlot(accountID int64) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.accountSlots[accountID]
	if !ok {
		s = semaphore.NewWeighted(int64(e.cfg.MaxConcurrentCallsPerAccount))
		e.accountSlots[accountID] = s
	}
	return s
}

// runState is the mutable tally of one run, shared by its item workers.
type runState struct {
	mu   sync.Mutex
	run  *models.SyncRun
	seen int

	accountOK     bool
	listFailed    bool
	postSucceeded int
	transient     int
	fatalKind     provider.Kind
	items         []archive.Item
	keepItems     bool
}

func (s *runState) fatal(kind provider.Kind, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalKind == "" {
		s.fatalKind = kind
	}
	s.run.AppendError(msg)
}

func (s *runState) isFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalKind != ""
}

func (s *runState) snapshot() models.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.run
}

func (e *syncExecutor) Execute(ctx context.Context, accountID int64, strategy Strategy, trigger string) (*models.SyncRun, error) {
	if accountID == 0 {
		return nil, ErrInvalidAccount
	}
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if trigger == "" {
		trigger = models.TriggerManual
	}

	if err := e.runSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.runSlots.Release(1)

	startedAt := e.now().UTC().Truncate(time.Microsecond)
	run := &models.SyncRun{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Platform:  account.Platform,
		Strategy:  strategy.Name,
		DaysBack:  strategy.DaysBack,
		ItemLimit: strategy.ItemLimit,
		Trigger:   trigger,
		StartedAt: startedAt,
		Outcome:   models.SyncOutcomeRunning,
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	metrics.SyncRunsInFlight.Inc()
	defer metrics.SyncRunsInFlight.Dec()

	logger := slog.With("run_id", run.ID, "account_id", account.ID, "platform", account.Platform, "strategy", strategy.Name)
	logger.Info("sync run started", "days_back", strategy.DaysBack, "item_limit", strategy.ItemLimit, "trigger", trigger)

	st := &runState{run: run, keepItems: e.archiver != nil}
	e.collect(ctx, logger, account, strategy.Window(startedAt), strategy.ItemLimit, st)
	return e.finalize(ctx, logger, account, st)
}

func (e *syncExecutor) collect(ctx context.Context, logger *slog.Logger, account *models.Account, window provider.Window, limit int, st *runState) {
	creds, err := e.credentials.Resolve(ctx, account)
	if err != nil {
		st.fatal(provider.KindAuthExpired, "credentials: "+err.Error())
		return
	}
	client, err := e.clients.ClientFor(ctx, account.Platform, creds)
	if err != nil {
		st.fatal(provider.KindUnknown, "client: "+err.Error())
		return
	}

	status, err := callProvider(ctx, e, account.ID, func(ctx context.Context) (*provider.CredentialStatus, error) {
		return client.ValidateCredentials(ctx, account.ExternalID)
	})
	switch {
	case err == nil && status == nil:
		logger.Warn("credential validation returned no status, continuing")
	case err == nil && !status.Valid:
		e.authExpired(ctx, logger, account, st, errors.New("credentials rejected by platform"))
		return
	case provider.Classify(err) == provider.KindAuthExpired:
		e.authExpired(ctx, logger, account, st, err)
		return
	case err != nil:
		logger.Warn("credential validation failed, continuing", "error", err)
	}

	e.syncAccountMetrics(ctx, logger, client, account, window, st)
	if st.isFatal() {
		return
	}
	e.progress(ctx, st)

	refs, err := callProvider(ctx, e, account.ID, func(ctx context.Context) ([]provider.PostRef, error) {
		return client.ListPosts(ctx, account.ExternalID, window, limit)
	})
	if err != nil {
		if provider.Classify(err) == provider.KindAuthExpired {
			e.authExpired(ctx, logger, account, st, err)
			return
		}
		logger.Warn("list posts failed", "error", err)
		st.mu.Lock()
		st.listFailed = true
		if isTransient(err) {
			st.transient++
		}
		st.run.AppendError("list posts: " + err.Error())
		st.mu.Unlock()
		return
	}
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(itemCtx)
	g.SetLimit(e.cfg.MaxConcurrentCallsPerAccount)
	for _, ref := range refs {
		g.Go(func() error {
			if st.isFatal() {
				return nil
			}
			e.syncPost(gctx, logger, client, account, ref, st)
			if st.isFatal() {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *syncExecutor) authExpired(ctx context.Context, logger *slog.Logger, account *models.Account, st *runState, cause error) {
	logger.Warn("account credentials expired", "error", cause)
	st.fatal(provider.KindAuthExpired, "auth expired: "+cause.Error())
	if err := e.accounts.MarkReauthRequired(ctx, account.ID, cause.Error()); err != nil {
		logger.Error("failed to flag account for re-auth", "error", err)
	}
}

func (e *syncExecutor) syncAccountMetrics(ctx context.Context, logger *slog.Logger, client provider.Client, account *models.Account, window provider.Window, st *runState) {
	res, err := callProvider(ctx, e, account.ID, func(ctx context.Context) (*provider.AccountMetricResult, error) {
		return client.FetchAccountMetrics(ctx, account.ExternalID, window)
	})
	if err != nil {
		if provider.Classify(err) == provider.KindAuthExpired {
			e.authExpired(ctx, logger, account, st, err)
			return
		}
		logger.Warn("account metrics failed", "error", err)
		st.mu.Lock()
		st.run.AccountMetricsFailed = true
		if isTransient(err) {
			st.transient++
		}
		st.run.AppendError("account metrics: " + err.Error())
		st.mu.Unlock()
		return
	}

	failed := false
	for _, day := range res.Days {
		candidate := &models.MetricSnapshot{
			AccountID:    account.ID,
			SubjectType:  models.SubjectAccount,
			SubjectID:    account.ID,
			RecordedAt:   day.RecordedAt,
			MetricValues: day.Values,
			RawPayload:   day.Raw,
		}
		action, err := e.engine.Upsert(ctx, candidate)
		st.mu.Lock()
		if err != nil {
			failed = true
			st.run.AppendError(fmt.Sprintf("account snapshot %s: %v", day.RecordedAt.Format(time.DateOnly), err))
		} else {
			st.run.CountAction(action)
			st.record(candidate, "", action)
		}
		st.mu.Unlock()
	}

	st.mu.Lock()
	if failed {
		st.run.AccountMetricsFailed = true
	} else {
		st.accountOK = true
	}
	st.mu.Unlock()
}

func (s *runState) record(c *models.MetricSnapshot, externalID string, action models.UpsertAction) {
	if !s.keepItems {
		return
	}
	s.items = append(s.items, archive.Item{
		SubjectType: c.SubjectType,
		SubjectID:   c.SubjectID,
		ExternalID:  externalID,
		RecordedAt:  c.RecordedAt,
		Action:      action,
		Raw:         c.RawPayload,
	})
}

func (e *syncExecutor) syncPost(ctx context.Context, logger *slog.Logger, client provider.Client, account *models.Account, ref provider.PostRef, st *runState) {
	post, err := e.posts.GetByExternalID(ctx, account.ID, ref.ExternalID)
	if err != nil {
		e.itemFailed(st, ref, err)
		return
	}
	if post == nil {
		// Posts belong to the publishing side; ones it never saw are not ours
		// to measure.
		st.mu.Lock()
		st.run.ItemsSkipped++
		st.mu.Unlock()
		metrics.SyncItemsTotal.WithLabelValues(string(account.Platform), "skipped").Inc()
		return
	}

	res, err := callProvider(ctx, e, account.ID, func(ctx context.Context) (*provider.PostMetricResult, error) {
		return client.FetchPostMetrics(ctx, ref)
	})
	switch provider.Classify(err) {
	case "":
	case provider.KindNotFound:
		st.mu.Lock()
		st.run.ItemsProcessed++
		st.run.ItemsSkipped++
		st.mu.Unlock()
		metrics.SyncItemsTotal.WithLabelValues(string(account.Platform), "skipped").Inc()
		e.maybeProgress(ctx, st)
		return
	case provider.KindAuthExpired:
		e.itemFailed(st, ref, err)
		e.authExpired(ctx, logger, account, st, err)
		return
	default:
		e.itemFailed(st, ref, err)
		e.maybeProgress(ctx, st)
		return
	}

	candidate := &models.MetricSnapshot{
		AccountID:    account.ID,
		SubjectType:  models.SubjectPost,
		SubjectID:    post.ID,
		RecordedAt:   res.RecordedAt,
		MetricValues: res.Values,
		RawPayload:   res.Raw,
	}
	action, err := e.engine.Upsert(ctx, candidate)
	if err != nil {
		e.itemFailed(st, ref, fmt.Errorf("store: %w", err))
		e.maybeProgress(ctx, st)
		return
	}

	st.mu.Lock()
	st.run.ItemsProcessed++
	st.postSucceeded++
	st.run.CountAction(action)
	st.record(candidate, ref.ExternalID, action)
	st.mu.Unlock()
	metrics.SyncItemsTotal.WithLabelValues(string(account.Platform), "ok").Inc()
	e.maybeProgress(ctx, st)
}

func (e *syncExecutor) itemFailed(st *runState, ref provider.PostRef, err error) {
	st.mu.Lock()
	st.run.ItemsProcessed++
	st.run.ItemsFailed++
	if isTransient(err) {
		st.transient++
	}
	st.run.AppendError(fmt.Sprintf("post %s: %v", ref.ExternalID, err))
	platform := st.run.Platform
	st.mu.Unlock()
	metrics.SyncItemsTotal.WithLabelValues(string(platform), "failed").Inc()
}

func isTransient(err error) bool {
	switch provider.Classify(err) {
	case provider.KindTransient, provider.KindRateLimited:
		return true
	}
	return false
}

func (e *syncExecutor) maybeProgress(ctx context.Context, st *runState) {
	st.mu.Lock()
	st.seen++
	due := st.seen%progressEvery == 0
	st.mu.Unlock()
	if due {
		e.progress(ctx, st)
	}
}

func (e *syncExecutor) progress(ctx context.Context, st *runState) {
	snap := st.snapshot()
	if err := e.runs.UpdateProgress(ctx, &snap); err != nil {
		slog.Warn("failed to record sync progress", "run_id", snap.ID, "error", err)
	}
}

// decideOutcome applies the run outcome rules to a finished tally. A failed
// account-level or listing call with no failed items is PARTIAL.
func decideOutcome(st *runState) models.SyncOutcome {
	run := st.run
	anySuccess := st.accountOK || st.postSucceeded > 0
	switch {
	case st.fatalKind != "":
		return models.SyncOutcomeFailure
	case run.ItemsFailed == 0 && !run.AccountMetricsFailed && !st.listFailed:
		return models.SyncOutcomeSuccess
	case !anySuccess:
		return models.SyncOutcomeFailure
	case run.ItemsProcessed > 0 && run.ItemsFailed == run.ItemsProcessed:
		return models.SyncOutcomeFailure
	default:
		return models.SyncOutcomePartial
	}
}

func (e *syncExecutor) finalize(ctx context.Context, logger *slog.Logger, account *models.Account, st *runState) (*models.SyncRun, error) {
	// Record the outcome even if the caller gave up on the run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeGracePeriod)
	defer cancel()

	st.mu.Lock()
	run := st.run
	run.Outcome = decideOutcome(st)
	finishedAt := e.now().UTC().Truncate(time.Microsecond)
	run.FinishedAt = &finishedAt
	fatalKind, transient := st.fatalKind, st.transient
	items := st.items
	st.mu.Unlock()

	if err := e.runs.Finalize(fctx, run); err != nil {
		return run, fmt.Errorf("finalize sync run: %w", err)
	}

	if run.Outcome == models.SyncOutcomeSuccess || run.Outcome == models.SyncOutcomePartial {
		if _, err := e.engine.MarkSynced(fctx, account.ID, run.StartedAt); err != nil {
			logger.Error("failed to advance last successful sync", "error", err)
		}
	}

	metrics.SyncRunsTotal.WithLabelValues(string(account.Platform), run.Strategy, string(run.Outcome)).Inc()
	metrics.SyncRunDuration.WithLabelValues(string(account.Platform)).Observe(finishedAt.Sub(run.StartedAt).Seconds())
	logger.Info("sync run finished",
		"outcome", run.Outcome,
		"items_processed", run.ItemsProcessed,
		"items_failed", run.ItemsFailed,
		"items_skipped", run.ItemsSkipped,
		"inserted", run.SnapshotsInserted,
		"updated", run.SnapshotsUpdated,
	)

	if e.archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		if err := e.archiver.Archive(actx, &archive.Record{Run: run, Items: items}); err != nil {
			logger.Warn("failed to archive sync run", "error", err)
		}
		cancel()
	}

	if run.Outcome != models.SyncOutcomeFailure {
		return run, nil
	}

	failure := &RunFailure{RunID: run.ID, Kind: fatalKind, Summary: firstLine(run.ErrorSummary)}
	if fatalKind == "" {
		failure.Kind = provider.KindUnknown
		failure.Retryable = transient > 0
		if failure.Retryable {
			failure.Kind = provider.KindTransient
		}
	}
	return run, failure
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

// callProvider runs one provider call under the account's call slot and the
// per-call timeout. A RATE_LIMITED answer is waited out and retried once.
func callProvider[T any](ctx context.Context, e *syncExecutor, accountID int64, fn func(context.Context) (T, error)) (T, error) {
	res, err := callOnce(ctx, e, accountID, fn)
	if provider.Classify(err) != provider.KindRateLimited {
		return res, err
	}

	wait := provider.RetryAfter(err)
	if wait <= 0 {
		wait = e.cfg.RateLimitRetryWait
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	if serr := e.sleep(ctx, wait); serr != nil {
		return res, err
	}
	return callOnce(ctx, e, accountID, fn)
}

func callOnce[T any](ctx context.Context, e *syncExecutor, accountID int64, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	slot := e.accountSlot(accountID)
	if err := slot.Acquire(ctx, 1); err != nil {
		return zero, provider.NewError(provider.KindTransient, "acquire", err)
	}
	defer slot.Release(1)

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderCallTimeout)
	defer cancel()

	res, err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if _, typed := err.(*provider.Error); !typed {
			err = provider.NewError(provider.KindTransient, "timeout", err)
		}
	}
	return res, err
}
