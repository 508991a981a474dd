package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type fakeBackend struct {
	mu         sync.Mutex
	dispatch   Dispatcher
	scheduled  map[string]time.Duration
	submitted  []WorkItem
	shutdown   bool
	scheduleFn func(name string) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{scheduled: make(map[string]time.Duration)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Start(d Dispatcher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = d
	return nil
}

func (f *fakeBackend) Schedule(name string, cadence time.Duration, queue string) error {
	if f.scheduleFn != nil {
		if err := f.scheduleFn(name); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[name] = cadence
	return nil
}

func (f *fakeBackend) Unschedule(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, name)
	return nil
}

func (f *fakeBackend) Submit(ctx context.Context, item WorkItem) (*JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, item)
	return &JobHandle{ID: "h1", Backend: "fake"}, nil
}

func (f *fakeBackend) PauseQueue(ctx context.Context, queue string) error  { return ErrUnsupported }
func (f *fakeBackend) ResumeQueue(ctx context.Context, queue string) error { return ErrUnsupported }
func (f *fakeBackend) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	return nil, ErrUnsupported
}
func (f *fakeBackend) CleanupQueues(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, ErrUnsupported
}

func (f *fakeBackend) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeBackend) isScheduled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.scheduled[name]
	return ok
}

func TestRegisterRejectsDuplicatesAndBadJobs(t *testing.T) {
	r := NewRegistry(newFakeBackend(), 3, nil)
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, r.Register(Job{Name: "a", Cadence: time.Hour, Run: noop}))
	assert.ErrorIs(t, r.Register(Job{Name: "a", Cadence: time.Hour, Run: noop}), ErrJobExists)
	assert.Error(t, r.Register(Job{Name: "b", Run: noop}))
	assert.Error(t, r.Register(Job{Name: "c", Cadence: time.Hour}))
}

func TestStartSchedulesOnlyEnabledJobs(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(b, 3, nil)
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, r.Register(Job{Name: "on", Cadence: time.Hour, Enabled: true, Run: noop}))
	require.NoError(t, r.Register(Job{Name: "off", Cadence: time.Hour, Run: noop}))

	require.NoError(t, r.Start())
	assert.True(t, b.isScheduled("on"))
	assert.False(t, b.isScheduled("off"))

	on, err := r.Status("on")
	require.NoError(t, err)
	assert.True(t, on.Running)
	assert.Equal(t, "fake", on.Backend)

	require.NoError(t, r.StopJob("on"))
	assert.False(t, b.isScheduled("on"))
	on, _ = r.Status("on")
	assert.False(t, on.Running)

	require.NoError(t, r.StartJob("off"))
	assert.True(t, b.isScheduled("off"))
	assert.ErrorIs(t, r.StartJob("missing"), ErrJobNotFound)
}

func TestFailuresFlagUnhealthyWithoutStopping(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(b, 2, nil)
	fail := true
	require.NoError(t, r.Register(Job{Name: "flaky", Cadence: time.Hour, Enabled: true, Run: func(ctx context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}))
	require.NoError(t, r.Start())

	require.Error(t, r.RunJob(context.Background(), "flaky"))
	s, _ := r.Status("flaky")
	assert.Equal(t, 1, s.ConsecutiveFailureCount)
	assert.True(t, s.Healthy)

	require.Error(t, r.RunJob(context.Background(), "flaky"))
	s, _ = r.Status("flaky")
	assert.Equal(t, 2, s.ConsecutiveFailureCount)
	assert.False(t, s.Healthy)
	assert.True(t, s.Running, "unhealthy jobs keep their cadence")
	assert.Equal(t, models.JobOutcomeFailure, s.LastOutcome)
	assert.Equal(t, "boom", s.LastError)
	assert.Equal(t, []string{"flaky"}, r.Unhealthy())
	assert.True(t, b.isScheduled("flaky"))

	fail = false
	require.NoError(t, r.Trigger(context.Background(), "flaky"))
	s, _ = r.Status("flaky")
	assert.Equal(t, 0, s.ConsecutiveFailureCount)
	assert.True(t, s.Healthy)
	assert.Equal(t, models.JobOutcomeSuccess, s.LastOutcome)
	require.NotNil(t, s.LastRunAt)
}

func TestTriggerDoesNotChangeCadenceState(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(b, 3, nil)
	calls := 0
	require.NoError(t, r.Register(Job{Name: "j", Cadence: time.Hour, Run: func(ctx context.Context) error {
		calls++
		return nil
	}}))
	require.NoError(t, r.Start())

	require.NoError(t, r.Trigger(context.Background(), "j"))
	assert.Equal(t, 1, calls)
	s, _ := r.Status("j")
	assert.False(t, s.Running)
	assert.False(t, b.isScheduled("j"))
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	r := NewRegistry(newFakeBackend(), 3, nil)
	require.NoError(t, r.Register(Job{Name: "p", Cadence: time.Hour, Run: func(ctx context.Context) error {
		panic("kaboom")
	}}))

	err := r.Trigger(context.Background(), "p")
	require.Error(t, err)
	s, _ := r.Status("p")
	assert.Equal(t, 1, s.ConsecutiveFailureCount)
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	r := NewRegistry(newFakeBackend(), 3, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.Register(Job{Name: "slow", Cadence: time.Hour, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))

	require.NoError(t, r.TriggerAsync("slow"))
	<-started
	assert.ErrorIs(t, r.Trigger(context.Background(), "slow"), ErrJobBusy)
	assert.NoError(t, r.RunJob(context.Background(), "slow"))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

func TestHandleWorkRoutesByKind(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(b, 3, nil)
	var got WorkItem
	r.HandleWorkKind(WorkAccountSync, func(ctx context.Context, item WorkItem) error {
		got = item
		return nil
	})

	require.NoError(t, r.HandleWork(context.Background(), WorkItem{Kind: WorkAccountSync, AccountID: 9}))
	assert.Equal(t, int64(9), got.AccountID)
	assert.ErrorIs(t, r.HandleWork(context.Background(), WorkItem{Kind: "nope"}), ErrUnknownWork)

	h, err := r.Submit(context.Background(), WorkItem{Kind: WorkAccountSync, AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, "h1", h.ID)
	assert.Len(t, b.submitted, 1)
}

func TestShutdownUnschedulesAndClosesBackend(t *testing.T) {
	b := newFakeBackend()
	r := NewRegistry(b, 3, nil)
	require.NoError(t, r.Register(Job{Name: "j", Cadence: time.Hour, Enabled: true, Run: func(ctx context.Context) error { return nil }}))
	require.NoError(t, r.Start())

	require.NoError(t, r.Shutdown(context.Background()))
	assert.False(t, b.isScheduled("j"))
	assert.True(t, b.shutdown)
	assert.ErrorIs(t, r.TriggerAsync("j"), ErrBackendClosed)
}
