// Package scheduler runs named recurring jobs and ad-hoc work items on a
// pluggable execution backend.
package scheduler

import (
	"context"
	"errors"
	"time"
)

const (
	BackendQueue = "queue"
	BackendTimer = "timer"
)

const (
	PriorityCritical = "critical"
	PriorityDefault  = "default"
	PriorityLow      = "low"
)

// Work kinds.
const (
	WorkAccountSync = "account_sync"
)

var (
	ErrUnsupported   = errors.New("operation not supported by this backend")
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job already registered")
	ErrJobBusy       = errors.New("job is already executing")
	ErrBackendClosed = errors.New("backend is shut down")
	ErrUnknownWork   = errors.New("no handler for work kind")
)

// WorkItem is one unit of ad-hoc work, e.g. syncing one account.
type WorkItem struct {
	Kind      string `json:"kind"`
	AccountID int64  `json:"account_id"`
	Strategy  string `json:"strategy,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// JobHandle identifies submitted work.
type JobHandle struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Queue   string `json:"queue,omitempty"`
}

type QueueStats struct {
	Queue     string `json:"queue"`
	Paused    bool   `json:"paused"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
}

// Dispatcher receives what a backend fires: cadence ticks for named jobs
// and submitted work items.
type Dispatcher interface {
	RunJob(ctx context.Context, name string) error
	HandleWork(ctx context.Context, item WorkItem) error
}

// JobBackend executes cadence ticks and work items. The registry never
// needs to know which implementation it is talking to.
type JobBackend interface {
	Name() string
	Start(d Dispatcher) error
	Schedule(name string, cadence time.Duration, queue string) error
	Unschedule(name string) error
	Submit(ctx context.Context, item WorkItem) (*JobHandle, error)
	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error
	QueueStats(ctx context.Context, queue string) (*QueueStats, error)
	// CleanupQueues deletes finished items older than olderThan and
	// reports how many were removed.
	CleanupQueues(ctx context.Context, olderThan time.Duration) (int, error)
	Shutdown(ctx context.Context) error
}

// QueueFor maps a priority onto a queue name, defaulting unknown values.
func QueueFor(priority string) string {
	switch priority {
	case PriorityCritical, PriorityLow:
		return priority
	}
	return PriorityDefault
}

// ErrPermanent marks work whose failure a retry cannot fix.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent wraps err so that durable backends do not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
