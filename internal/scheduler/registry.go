package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/models"
)

type JobFunc func(ctx context.Context) error

type WorkFunc func(ctx context.Context, item WorkItem) error

type Job struct {
	Name    string
	Cadence time.Duration
	Enabled bool
	Queue   string
	Run     JobFunc
}

type jobEntry struct {
	job       Job
	running   bool
	executing atomic.Bool

	lastRunAt   *time.Time
	lastOutcome models.JobOutcome
	lastError   string
	failures    int
}

// SchedulerRegistry owns the named jobs of one process and their status.
// It is created once at startup and handed to whoever needs it.
type SchedulerRegistry struct {
	backend   JobBackend
	threshold int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	work    map[string]WorkFunc
	started bool
	closed  bool

	triggers sync.WaitGroup
}

func NewRegistry(backend JobBackend, failureThreshold int, logger *slog.Logger) *SchedulerRegistry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerRegistry{
		backend:   backend,
		threshold: failureThreshold,
		logger:    logger,
		now:       time.Now,
		jobs:      make(map[string]*jobEntry),
		work:      make(map[string]WorkFunc),
	}
}

func (r *SchedulerRegistry) Backend() JobBackend {
	return r.backend
}

func (r *SchedulerRegistry) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a handler")
	}
	if job.Cadence <= 0 {
		return fmt.Errorf("job %s: cadence must be positive", job.Name)
	}
	if job.Queue == "" {
		job.Queue = PriorityDefault
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	r.jobs[job.Name] = &jobEntry{job: job}
	metrics.ScheduledJobConsecutiveFailures.WithLabelValues(job.Name).Set(0)
	return nil
}

// HandleWorkKind routes submitted work items of kind to fn.
func (r *SchedulerRegistry) HandleWorkKind(kind string, fn WorkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.work[kind] = fn
}

// Start attaches the registry to its backend and starts every enabled job.
func (r *SchedulerRegistry) Start() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrBackendClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	var enabled []string
	for name, e := range r.jobs {
		if e.job.Enabled {
			enabled = append(enabled, name)
		}
	}
	r.mu.Unlock()

	if err := r.backend.Start(r); err != nil {
		return err
	}
	sort.Strings(enabled)
	for _, name := range enabled {
		if err := r.StartJob(name); err != nil {
			return err
		}
	}
	r.logger.Info("scheduler started", "backend", r.backend.Name(), "jobs", len(enabled))
	return nil
}

func (r *SchedulerRegistry) entry(name string) (*jobEntry, error) {
	e, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return e, nil
}

// StartJob moves a job to RUNNING so it fires on its cadence.
func (r *SchedulerRegistry) StartJob(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	if e.running {
		return nil
	}
	if err := r.backend.Schedule(name, e.job.Cadence, e.job.Queue); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	e.running = true
	return nil
}

// StopJob moves a job to STOPPED. A run already in flight completes.
func (r *SchedulerRegistry) StopJob(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	if !e.running {
		return nil
	}
	if err := r.backend.Unschedule(name); err != nil {
		return fmt.Errorf("unschedule %s: %w", name, err)
	}
	e.running = false
	return nil
}

// Trigger runs the job once now, outside its cadence and whatever its
// state.
func (r *SchedulerRegistry) Trigger(ctx context.Context, name string) error {
	r.mu.RLock()
	e, err := r.entry(name)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	return r.execute(ctx, e)
}

// TriggerAsync is Trigger on a background goroutine that Shutdown waits
// for.
func (r *SchedulerRegistry) TriggerAsync(name string) error {
	r.mu.RLock()
	e, err := r.entry(name)
	closed := r.closed
	if err == nil && !closed {
		r.triggers.Add(1)
	}
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	if closed {
		return ErrBackendClosed
	}

	go func() {
		defer r.triggers.Done()
		if err := r.execute(context.Background(), e); err != nil {
			r.logger.Warn("triggered job failed", "job", name, "error", err)
		}
	}()
	return nil
}

// RunJob is the backend's cadence tick.
func (r *SchedulerRegistry) RunJob(ctx context.Context, name string) error {
	r.mu.RLock()
	e, err := r.entry(name)
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	err = r.execute(ctx, e)
	if err == ErrJobBusy {
		r.logger.Info("skipping tick, previous run still executing", "job", name)
		return nil
	}
	return err
}

func (r *SchedulerRegistry) HandleWork(ctx context.Context, item WorkItem) error {
	r.mu.RLock()
	fn, ok := r.work[item.Kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWork, item.Kind)
	}
	return fn(ctx, item)
}

// Submit forwards work to the backend.
func (r *SchedulerRegistry) Submit(ctx context.Context, item WorkItem) (*JobHandle, error) {
	return r.backend.Submit(ctx, item)
}

func (r *SchedulerRegistry) execute(ctx context.Context, e *jobEntry) (err error) {
	if !e.executing.CompareAndSwap(false, true) {
		return ErrJobBusy
	}
	defer e.executing.Store(false)

	name := e.job.Name
	started := r.now().UTC()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", name, p)
		}
		r.record(e, started, err)
	}()

	r.logger.Info("job started", "job", name)
	return e.job.Run(ctx)
}

func (r *SchedulerRegistry) record(e *jobEntry, started time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.job.Name
	e.lastRunAt = &started
	if err != nil {
		e.lastOutcome = models.JobOutcomeFailure
		e.lastError = err.Error()
		e.failures++
		if e.failures == r.threshold {
			r.logger.Error("job marked unhealthy", "job", name, "consecutive_failures", e.failures, "error", err)
		} else {
			r.logger.Warn("job failed", "job", name, "consecutive_failures", e.failures, "error", err)
		}
	} else {
		e.lastOutcome = models.JobOutcomeSuccess
		e.lastError = ""
		e.failures = 0
		r.logger.Info("job finished", "job", name, "duration", time.Since(started).String())
	}

	metrics.ScheduledJobRunsTotal.WithLabelValues(name, string(e.lastOutcome)).Inc()
	metrics.ScheduledJobConsecutiveFailures.WithLabelValues(name).Set(float64(e.failures))
}

func (r *SchedulerRegistry) statusLocked(e *jobEntry) models.ScheduledJob {
	s := models.ScheduledJob{
		Name:                    e.job.Name,
		Cadence:                 e.job.Cadence,
		Enabled:                 e.job.Enabled,
		Running:                 e.running,
		Backend:                 r.backend.Name(),
		LastOutcome:             e.lastOutcome,
		LastError:               e.lastError,
		ConsecutiveFailureCount: e.failures,
		Healthy:                 e.failures < r.threshold,
	}
	if e.lastRunAt != nil {
		t := *e.lastRunAt
		s.LastRunAt = &t
	}
	return s
}

func (r *SchedulerRegistry) Status(name string) (models.ScheduledJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.entry(name)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	return r.statusLocked(e), nil
}

func (r *SchedulerRegistry) Statuses() []models.ScheduledJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ScheduledJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, r.statusLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unhealthy lists jobs at or past the failure threshold.
func (r *SchedulerRegistry) Unhealthy() []string {
	var names []string
	for _, s := range r.Statuses() {
		if !s.Healthy {
			names = append(names, s.Name)
		}
	}
	return names
}

// Shutdown stops every cadence and the backend, then waits for triggered
// runs. In-flight runs are not interrupted before ctx expires.
func (r *SchedulerRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for name, e := range r.jobs {
		if e.running {
			if err := r.backend.Unschedule(name); err != nil {
				r.logger.Warn("failed to unschedule job", "job", name, "error", err)
			}
			e.running = false
		}
	}
	r.mu.Unlock()

	err := r.backend.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		r.triggers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	r.logger.Info("scheduler stopped")
	return err
}
