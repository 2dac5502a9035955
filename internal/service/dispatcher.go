package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/melodygen/internal/orchestrator"
)

const (
	TaskTypePipeline = "pipeline:run"
	QueuePipeline    = "pipeline"
)

// PipelinePayload is the asynq task body.
type PipelinePayload struct {
	JobID string `json:"jobId"`
}

// NewPipelineTask builds the task that runs one job.
func NewPipelineTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PipelinePayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePipeline, payload), nil
}

// TaskClient is the part of *asynq.Client the dispatcher uses.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the dispatcher uses.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Dispatcher enqueues one asynq task per job. The task ID is the job ID so
// a job can be enqueued again without running twice.
type Dispatcher struct {
	client    TaskClient
	inspector TaskInspector
	timeout   time.Duration
}

// NewDispatcher builds a Dispatcher. inspector may be nil, in which case an
// ID conflict is always reported as orchestrator.ErrAlreadyQueued.
func NewDispatcher(client TaskClient, inspector TaskInspector, timeout time.Duration) *Dispatcher {
	return &Dispatcher{client: client, inspector: inspector, timeout: timeout}
}

// Enqueue dispatches jobID. When a task with the same ID is still waiting or
// running it returns orchestrator.ErrAlreadyQueued. A retained task from an
// earlier run that finished or was archived is deleted and replaced.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) error {
	task, err := NewPipelineTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	opts := d.options(jobID)

	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if isConflict(err) {
		return d.replaceRetained(ctx, jobID, task, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (d *Dispatcher) options(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(jobID),
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}
	return opts
}

func isConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

func (d *Dispatcher) replaceRetained(ctx context.Context, jobID string, task *asynq.Task, opts []asynq.Option) error {
	if d.inspector == nil {
		return fmt.Errorf("task %s: %w", jobID, orchestrator.ErrAlreadyQueued)
	}
	info, err := d.inspector.GetTaskInfo(QueuePipeline, jobID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		// Removed between the two calls; nothing to replace.
	case err != nil:
		return fmt.Errorf("inspect task %s: %w", jobID, err)
	case info.State == asynq.TaskStateArchived || info.State == asynq.TaskStateCompleted:
		if err := d.inspector.DeleteTask(QueuePipeline, jobID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete %s task %s: %w", info.State, jobID, err)
		}
	default:
		return fmt.Errorf("task %s is %s: %w", jobID, info.State, orchestrator.ErrAlreadyQueued)
	}

	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if isConflict(err) {
		return fmt.Errorf("task %s: %w", jobID, orchestrator.ErrAlreadyQueued)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
