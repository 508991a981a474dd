package queue

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow-analytics/internal/scheduler"
)

const (
	TaskTypeWork    = "sync:work"
	TaskTypeJobTick = "scheduler:tick"
)

type JobTickPayload struct {
	Name string `json:"name"`
}

// EnqueueOptions are the per-task delivery settings.
type EnqueueOptions struct {
	TaskID    string
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

func (o EnqueueOptions) asynq() []asynq.Option {
	opts := []asynq.Option{asynq.MaxRetry(o.MaxRetry)}
	if o.TaskID != "" {
		opts = append(opts, asynq.TaskID(o.TaskID))
	}
	if o.Queue != "" {
		opts = append(opts, asynq.Queue(o.Queue))
	}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	if o.Retention > 0 {
		opts = append(opts, asynq.Retention(o.Retention))
	}
	return opts
}

func NewWorkTask(item scheduler.WorkItem) (*asynq.Task, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWork, payload), nil
}

func NewJobTickTask(name string) (*asynq.Task, error) {
	payload, err := json.Marshal(JobTickPayload{Name: name})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeJobTick, payload), nil
}

func EnqueueWork(ctx context.Context, client *asynq.Client, item scheduler.WorkItem, opts EnqueueOptions) (*asynq.TaskInfo, error) {
	task, err := NewWorkTask(item)
	if err != nil {
		return nil, err
	}

	info, err := client.EnqueueContext(ctx, task, opts.asynq()...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", item.Kind, err)
	}
	return info, nil
}
