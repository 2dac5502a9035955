package store

import (
	"context"
	"errors"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a conditional transition lost the race:
	// the stored status no longer matches the expected one.
	ErrConflict = errors.New("job status conflict")
	// ErrInvalidTransition is returned for an edge that is not in the job DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicate is returned when a job with the same ID already exists.
	ErrDuplicate = errors.New("job already exists")
)

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 10

// ListOptions filters List. Zero values mean no filter. A negative Limit
// returns every matching row.
type ListOptions struct {
	Statuses []model.JobStatus
	UserID   string
	Limit    int
}

// Store persists job rows. Every status change goes through Transition so
// that concurrent runners can never both move the same job.
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// Transition atomically moves a job from one status to another. mutate
	// may fill in timestamps, artifacts or the error on a copy of the row.
	Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error)
	List(ctx context.Context, opts ListOptions) ([]*model.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Apply computes the row that results from moving current along from -> to.
// Backends call it between reading the row and their conditional write.
func Apply(current *model.Job, from, to model.JobStatus, mutate func(*model.Job), now time.Time) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	if current.Status != from {
		return nil, ErrConflict
	}

	next := current.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	next.ID = current.ID
	next.Params = current.Params
	next.CreatedAt = current.CreatedAt
	next.Status = to
	next.UpdatedAt = now.UTC()

	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// EffectiveLimit returns the effective row limit for opts.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit == 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// Matches reports whether job passes the status and user filters.
func (o ListOptions) Matches(job *model.Job) bool {
	if o.UserID != "" && job.UserID != o.UserID {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if job.Status == s {
			return true
		}
	}
	return false
}
