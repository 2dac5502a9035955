package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

// ErrAlreadyQueued is returned by an Enqueuer when a live task for the job
// is already waiting or running.
var ErrAlreadyQueued = errors.New("job already queued")

// Enqueuer hands a pending job to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// RecoveryReport lists what the startup sweep touched.
type RecoveryReport struct {
	Failed        []string
	Requeued      []string
	AlreadyQueued []string
}

// runningStatuses are the statuses a job can only hold while a runner owns it.
func runningStatuses() []model.JobStatus {
	var out []model.JobStatus
	for _, s := range model.AllStatuses {
		if s.IsRunning() {
			out = append(out, s)
		}
	}
	return out
}

// Recover must run before any worker starts. Stage calls cannot be resumed
// after a restart, so every job left in a running status is failed with
// STALE_JOB. Pending jobs are handed to enq again when it is not nil.
func Recover(ctx context.Context, st store.Store, enq Enqueuer, notifier Notifier, logger *zap.Logger) (*RecoveryReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	report := &RecoveryReport{}

	stale, err := st.List(ctx, store.ListOptions{Statuses: runningStatuses(), Limit: -1})
	if err != nil {
		return report, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range stale {
		from := job.Status
		next, err := st.Transition(ctx, job.ID, from, model.JobStatusFailed, func(j *model.Job) {
			j.Fail(model.ErrStaleJob(from), time.Now().UTC())
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		logger.Warn("marked stale job failed",
			zap.String(logging.FieldJobID, job.ID),
			zap.String(logging.FieldStatus, string(from)))
		notifier.JobUpdated(next)
		report.Failed = append(report.Failed, job.ID)
	}

	if enq == nil {
		return report, nil
	}
	pending, err := st.List(ctx, store.ListOptions{Statuses: []model.JobStatus{model.JobStatusPending}, Limit: -1})
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		err := enq.Enqueue(ctx, job.ID)
		if errors.Is(err, ErrAlreadyQueued) {
			logger.Info("pending job still queued", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
			report.AlreadyQueued = append(report.AlreadyQueued, job.ID)
			continue
		}
		if err != nil {
			logger.Warn("failed to requeue pending job", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
			continue
		}
		report.Requeued = append(report.Requeued, job.ID)
	}
	if len(report.Failed) > 0 || len(report.Requeued) > 0 || len(report.AlreadyQueued) > 0 {
		logger.Info("recovery sweep finished",
			zap.Int("failed", len(report.Failed)),
			zap.Int("requeued", len(report.Requeued)),
			zap.Int("already_queued", len(report.AlreadyQueued)))
	}
	return report, nil
}
