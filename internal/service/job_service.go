package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/orchestrator"
	"github.com/makeasinger/melodygen/internal/stage"
	"github.com/makeasinger/melodygen/internal/store"
)

// MaxSeed is the upper bound (inclusive) of randomly assigned seeds.
const MaxSeed = 10000

// recentWindow is how many completed jobs feed the poll ceiling.
const recentWindow = 20

// hintsTTL is how long computed poll hints are reused.
const hintsTTL = 30 * time.Second

var (
	// ErrInvalidParams wraps request errors that should surface as 400.
	ErrInvalidParams = errors.New("invalid job parameters")
	// ErrEmptyInput is returned for a zero byte upload.
	ErrEmptyInput = errors.New("input file is empty")
)

// PollConfig controls the hints returned to polling clients.
type PollConfig struct {
	Interval     time.Duration
	BaseAttempts int
	Headroom     float64
}

// CreateJobInput is the intake boundary: the uploaded file plus parameters.
type CreateJobInput struct {
	UserID   string
	FileName string
	File     io.Reader
	Request  model.CreateJobRequest
}

// JobService creates jobs and serves their status.
type JobService struct {
	store    store.Store
	enqueuer orchestrator.Enqueuer
	pipeline stage.Pipeline
	poll     PollConfig
	logger   *zap.Logger
	now      func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand

	hintsMu sync.Mutex
	hints   model.PollHints
	hintsAt time.Time
}

func NewJobService(st store.Store, enq orchestrator.Enqueuer, pipeline stage.Pipeline, poll PollConfig, logger *zap.Logger) *JobService {
	if poll.Interval <= 0 {
		poll.Interval = 5 * time.Second
	}
	if poll.BaseAttempts <= 0 {
		poll.BaseAttempts = 120
	}
	if poll.Headroom < 1 {
		poll.Headroom = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobService{
		store:    st,
		enqueuer: enq,
		pipeline: pipeline,
		poll:     poll,
		logger:   logger,
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *JobService) randomSeed() int64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Int63n(MaxSeed + 1)
}

// Create stores the upload, records a pending job and dispatches it.
func (s *JobService) Create(ctx context.Context, in *CreateJobInput) (*model.CreateJobResponse, error) {
	req := in.Request
	if req.StartTime != nil && *req.StartTime > 0 && (req.BPM == nil || *req.BPM <= 0) {
		return nil, fmt.Errorf("%w: bpm is required when startTime is set", ErrInvalidParams)
	}
	if in.File == nil || in.FileName == "" {
		return nil, fmt.Errorf("%w: file is required", ErrInvalidParams)
	}

	jobID := uuid.New().String()
	inputPath, err := s.saveInput(jobID, in.FileName, in.File)
	if err != nil {
		return nil, err
	}

	params := model.JobParams{
		InputFile: inputPath,
		StartTime: req.StartTime,
		BPM:       req.BPM,
		Seed:      req.Seed,
		OneShot:   req.OneShot,
		Voice:     req.Voice,
	}
	if params.Seed == nil {
		seed := s.randomSeed()
		params.Seed = &seed
		params.SeedRandomized = true
	}
	if params.Voice == "" {
		params.Voice = s.pipeline.DefaultVoice
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:        jobID,
		UserID:    in.UserID,
		Status:    model.JobStatusPending,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		os.RemoveAll(s.pipeline.InputDir(jobID))
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.enqueuer.Enqueue(ctx, jobID); err != nil && !errors.Is(err, orchestrator.ErrAlreadyQueued) {
		s.logger.Error("failed to dispatch job", zap.String(logging.FieldJobID, jobID), zap.Error(err))
		s.store.Transition(context.WithoutCancel(ctx), jobID, model.JobStatusPending, model.JobStatusFailed, func(j *model.Job) {
			j.Fail(err, s.now().UTC())
		})
		return nil, err
	}

	s.logger.Info("job created",
		zap.String(logging.FieldJobID, jobID),
		zap.String(logging.FieldUserID, in.UserID),
		zap.Int64("seed", *params.Seed),
		zap.Bool("one_shot", params.OneShot))

	return &model.CreateJobResponse{
		JobID:     jobID,
		Status:    job.Status,
		Seed:      *params.Seed,
		CreatedAt: now,
		Poll:      s.PollHints(ctx),
	}, nil
}

func (s *JobService) saveInput(jobID, name string, r io.Reader) (string, error) {
	path := s.pipeline.InputPath(jobID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create input dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create input file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyInput
	}
	if err != nil {
		os.RemoveAll(filepath.Dir(path))
		if errors.Is(err, ErrEmptyInput) {
			return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return "", fmt.Errorf("failed to store input file: %w", err)
	}
	return path, nil
}

// Get returns the polling view of one job. Jobs owned by another user are
// reported as not found.
func (s *JobService) Get(ctx context.Context, jobID, userID string) (*model.JobView, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != "" && job.UserID != userID {
		return nil, store.ErrNotFound
	}
	return model.NewJobView(job, s.now(), s.PollHints(ctx)), nil
}

// List returns the most recent jobs, newest first.
func (s *JobService) List(ctx context.Context, opts store.ListOptions) (*model.JobListResponse, error) {
	if opts.Limit < 0 {
		opts.Limit = store.DefaultListLimit
	}
	jobs, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	hints := s.PollHints(ctx)
	now := s.now()
	resp := &model.JobListResponse{Jobs: make([]*model.JobView, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, model.NewJobView(job, now, hints))
	}
	return resp, nil
}

// PollHints grows the attempt ceiling with the slowest recent completion so
// clients keep polling through GPU warm-up. The result is reused for
// hintsTTL since every status poll asks for it.
func (s *JobService) PollHints(ctx context.Context) model.PollHints {
	s.hintsMu.Lock()
	defer s.hintsMu.Unlock()

	now := s.now()
	if !s.hintsAt.IsZero() && now.Sub(s.hintsAt) < hintsTTL {
		return s.hints
	}
	hints, err := s.computePollHints(ctx)
	if err != nil {
		s.logger.Warn("failed to load recent jobs for poll hints", zap.Error(err))
		return hints
	}
	s.hints, s.hintsAt = hints, now
	return hints
}

func (s *JobService) computePollHints(ctx context.Context) (model.PollHints, error) {
	hints := model.PollHints{
		IntervalSeconds: int(s.poll.Interval / time.Second),
		MaxAttempts:     s.poll.BaseAttempts,
	}
	if hints.IntervalSeconds < 1 {
		hints.IntervalSeconds = 1
	}

	recent, err := s.store.List(ctx, store.ListOptions{
		Statuses: []model.JobStatus{model.JobStatusCompleted},
		Limit:    recentWindow,
	})
	if err != nil {
		return hints, err
	}

	var slowest time.Duration
	for _, job := range recent {
		if d := job.Duration(); d != nil && *d > slowest {
			slowest = *d
		}
	}
	need := int(math.Ceil(slowest.Seconds() * s.poll.Headroom / float64(hints.IntervalSeconds)))
	if need > hints.MaxAttempts {
		hints.MaxAttempts = need
	}
	return hints, nil
}
