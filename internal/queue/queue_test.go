package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/maheshrc27/postflow-analytics/configs"
	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

type recordingDispatcher struct {
	jobs  []string
	items []scheduler.WorkItem
	err   error
}

func (d *recordingDispatcher) RunJob(ctx context.Context, name string) error {
	d.jobs = append(d.jobs, name)
	return d.err
}

func (d *recordingDispatcher) HandleWork(ctx context.Context, item scheduler.WorkItem) error {
	d.items = append(d.items, item)
	return d.err
}

func newTestBackend(d scheduler.Dispatcher) *Backend {
	return &Backend{
		cfg:      config.QueueConfig{BackoffBase: 30 * time.Second, BackoffMax: 30 * time.Minute},
		logger:   slog.Default(),
		entries:  make(map[string]string),
		dispatch: d,
	}
}

func TestHandleWorkTaskDecodesPayload(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBackend(d)

	item := scheduler.WorkItem{Kind: scheduler.WorkAccountSync, AccountID: 42, Strategy: "backfill", Trigger: "manual"}
	task, err := NewWorkTask(item)
	require.NoError(t, err)

	require.NoError(t, b.HandleWorkTask(context.Background(), task))
	require.Len(t, d.items, 1)
	assert.Equal(t, item, d.items[0])
}

func TestHandleWorkTaskMalformedPayloadSkipsRetry(t *testing.T) {
	b := newTestBackend(&recordingDispatcher{})

	err := b.HandleWorkTask(context.Background(), asynq.NewTask(TaskTypeWork, []byte("{not json")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleWorkTaskRetryPolicy(t *testing.T) {
	task, err := NewWorkTask(scheduler.WorkItem{Kind: scheduler.WorkAccountSync, AccountID: 1})
	require.NoError(t, err)

	transient := errors.New("provider timeout")
	b := newTestBackend(&recordingDispatcher{err: transient})
	err = b.HandleWorkTask(context.Background(), task)
	assert.ErrorIs(t, err, transient)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	b = newTestBackend(&recordingDispatcher{err: scheduler.Permanent(transient)})
	err = b.HandleWorkTask(context.Background(), task)
	assert.ErrorIs(t, err, transient)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleJobTickTask(t *testing.T) {
	d := &recordingDispatcher{}
	b := newTestBackend(d)

	task, err := NewJobTickTask("snapshot_cleanup")
	require.NoError(t, err)
	require.NoError(t, b.HandleJobTickTask(context.Background(), task))
	assert.Equal(t, []string{"snapshot_cleanup"}, d.jobs)

	var p JobTickPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "snapshot_cleanup", p.Name)

	d.err = errors.New("boom")
	err = b.HandleJobTickTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTaskWithoutDispatcher(t *testing.T) {
	b := &Backend{entries: make(map[string]string)}
	task, err := NewJobTickTask("x")
	require.NoError(t, err)
	assert.Error(t, b.HandleJobTickTask(context.Background(), task))
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 10 * time.Minute

	assert.Equal(t, 30*time.Second, backoff(0, base, max))
	assert.Equal(t, time.Minute, backoff(1, base, max))
	assert.Equal(t, 4*time.Minute, backoff(3, base, max))
	assert.Equal(t, max, backoff(5, base, max))
	assert.Equal(t, max, backoff(50, base, max))
}

func TestIsFailure(t *testing.T) {
	assert.True(t, isFailure(errors.New("boom")))
	assert.False(t, isFailure(context.Canceled))
}

func TestProbe(t *testing.T) {
	mr := miniredis.RunT(t)

	require.NoError(t, Probe(context.Background(), config.RedisConfig{Addr: mr.Addr()}))

	addr := mr.Addr()
	mr.Close()
	assert.Error(t, Probe(context.Background(), config.RedisConfig{Addr: addr}))
	assert.Error(t, Probe(context.Background(), config.RedisConfig{}))
}

func TestChooseBackend(t *testing.T) {
	up := func() error { return nil }
	down := func() error { return errors.New("connection refused") }

	tests := []struct {
		mode    string
		probe   func() error
		want    string
		wantErr bool
	}{
		{mode: "auto", probe: up, want: scheduler.BackendQueue},
		{mode: "auto", probe: down, want: scheduler.BackendTimer},
		{mode: "", probe: down, want: scheduler.BackendTimer},
		{mode: "queue", probe: up, want: scheduler.BackendQueue},
		{mode: "queue", probe: down, wantErr: true},
		{mode: "timer", probe: up, want: scheduler.BackendTimer},
		{mode: "kafka", probe: up, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ChooseBackend(tt.mode, tt.probe)
		if tt.wantErr {
			assert.Error(t, err, tt.mode)
			continue
		}
		require.NoError(t, err, tt.mode)
		assert.Equal(t, tt.want, got, tt.mode)
	}
}

func TestEnqueueOptions(t *testing.T) {
	opts := EnqueueOptions{TaskID: "abc", Queue: "critical", MaxRetry: 3, Timeout: time.Minute, Retention: time.Hour}.asynq()
	assert.Len(t, opts, 5)

	opts = EnqueueOptions{MaxRetry: 2}.asynq()
	assert.Len(t, opts, 1)
}
