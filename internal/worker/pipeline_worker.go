package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
)

// Runner executes one job to completion.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// PipelineWorker processes pipeline tasks, one job per task.
type PipelineWorker struct {
	runner Runner
	logger *zap.Logger
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(runner Runner, logger *zap.Logger) *PipelineWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineWorker{runner: runner, logger: logger}
}

// ProcessTask handles pipeline task processing. Job failures are already
// recorded on the job row, so they are never retried by the queue.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.PipelinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload has no job id: %w", asynq.SkipRetry)
	}

	log := w.logger.With(zap.String(logging.FieldJobID, payload.JobID))
	log.Info("starting pipeline job")

	err := w.runner.Run(ctx, payload.JobID)
	if err == nil {
		return nil
	}

	var jobErr *model.JobError
	if errors.As(err, &jobErr) {
		return fmt.Errorf("job %s failed: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task references unknown job")
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return err
}

// Register wires the worker into an asynq mux.
func (w *PipelineWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(service.TaskTypePipeline, w.ProcessTask)
}
