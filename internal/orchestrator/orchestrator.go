package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/artifact"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/stage"
	"github.com/makeasinger/melodygen/internal/store"
)

// Notifier receives the job row after every committed transition.
type Notifier interface {
	JobUpdated(job *model.Job)
}

// Publisher uploads a job's artifacts and returns their signed URLs.
type Publisher interface {
	Publish(ctx context.Context, job *model.Job) (map[model.ArtifactKind]model.SignedURL, error)
}

type nopNotifier struct{}

func (nopNotifier) JobUpdated(*model.Job) {}

// Deps wires an Orchestrator.
type Deps struct {
	Store     store.Store
	Melody    stage.Invoker
	Vocal     stage.Invoker
	Pipeline  stage.Pipeline
	Resolver  *artifact.Resolver
	Publisher Publisher
	Notifier  Notifier
	Logger    *zap.Logger
	// AutoBPM is true when the melody stage can estimate tempo on its own.
	AutoBPM bool
}

// Orchestrator drives a single job through the stage pipeline. It is safe
// to call Run for the same job from several workers: only the one that wins
// the pending claim does any work.
type Orchestrator struct {
	store     store.Store
	melody    stage.Invoker
	vocal     stage.Invoker
	pipeline  stage.Pipeline
	resolver  *artifact.Resolver
	publisher Publisher
	notifier  Notifier
	logger    *zap.Logger
	autoBPM   bool
	now       func() time.Time
}

func New(d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Resolver == nil {
		d.Resolver = artifact.NewResolver(artifact.DefaultCandidates(d.Pipeline.SharedDir, d.Pipeline.ModelSet), d.Logger)
	}
	return &Orchestrator{
		store:     d.Store,
		melody:    d.Melody,
		vocal:     d.Vocal,
		pipeline:  d.Pipeline,
		resolver:  d.Resolver,
		publisher: d.Publisher,
		notifier:  d.Notifier,
		logger:    d.Logger,
		autoBPM:   d.AutoBPM,
		now:       time.Now,
	}
}

// Run executes the job to a terminal state. It returns nil when the job was
// already terminal or claimed elsewhere, the *model.JobError when the job
// failed, and other errors only for store failures.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	log := o.logger.With(zap.String(logging.FieldJobID, jobID))

	if job.Status.IsTerminal() {
		log.Debug("job already finished", zap.String(logging.FieldStatus, string(job.Status)))
		return nil
	}
	if job.Status != model.JobStatusPending {
		log.Info("job already claimed", zap.String(logging.FieldStatus, string(job.Status)))
		return nil
	}

	job, err = o.transition(ctx, job, model.JobStatusMelodyRunning, func(j *model.Job) {
		now := o.now().UTC()
		j.StartedAt = &now
	})
	if errors.Is(err, store.ErrConflict) {
		log.Info("lost claim to another runner")
		return nil
	}
	if err != nil {
		return err
	}

	job, err = o.runMelody(ctx, job)
	if err != nil {
		return o.fail(ctx, job, err)
	}

	if !job.Params.OneShot {
		job, err = o.runVocal(ctx, job)
		if err != nil {
			return o.fail(ctx, job, err)
		}
	}

	if job, err = o.transition(ctx, job, model.JobStatusUploading, nil); err != nil {
		return o.fail(ctx, job, err)
	}
	urls, err := o.publisher.Publish(ctx, job)
	if err != nil {
		return o.fail(ctx, job, err)
	}
	job, err = o.transition(ctx, job, model.JobStatusCompleted, func(j *model.Job) {
		j.Complete(urls, o.now().UTC())
	})
	if err != nil {
		return o.fail(ctx, job, err)
	}

	log.Info("job completed", zap.Durationp("duration", job.Duration()))
	return nil
}

func (o *Orchestrator) runMelody(ctx context.Context, job *model.Job) (*model.Job, error) {
	tempo, err := ResolveTempo(job.Params, o.autoBPM)
	if err != nil {
		return job, err
	}
	if err := checkInput(job.Params.InputFile); err != nil {
		return job, err
	}

	req := o.pipeline.MelodyRequest(job, tempo)
	if err := o.invoke(ctx, o.melody, req); err != nil {
		return job, err
	}

	paths, err := o.resolveStage(ctx, job, model.StageMelody, req.Workdir)
	if err != nil {
		return job, err
	}
	return o.transition(ctx, job, model.JobStatusMelodyDone, func(j *model.Job) {
		for kind, p := range paths {
			j.SetArtifactPath(kind, p)
		}
	})
}

func (o *Orchestrator) runVocal(ctx context.Context, job *model.Job) (*model.Job, error) {
	job, err := o.transition(ctx, job, model.JobStatusVocalRunning, nil)
	if err != nil {
		return job, err
	}
	if err := checkInput(job.Params.InputFile); err != nil {
		return job, err
	}

	req := o.pipeline.VocalRequest(job, job.ArtifactPaths[model.ArtifactMIDI])
	if err := o.invoke(ctx, o.vocal, req); err != nil {
		return job, err
	}

	paths, err := o.resolveStage(ctx, job, model.StageVocal, req.Workdir)
	if err != nil {
		return job, err
	}
	return o.transition(ctx, job, model.JobStatusVocalDone, func(j *model.Job) {
		for kind, p := range paths {
			j.SetArtifactPath(kind, p)
		}
	})
}

func (o *Orchestrator) invoke(ctx context.Context, inv stage.Invoker, req *stage.Request) error {
	if err := os.MkdirAll(req.Workdir, 0o755); err != nil {
		return fmt.Errorf("create %s workdir: %w", req.Stage, err)
	}
	log := o.logger.With(zap.String(logging.FieldJobID, req.JobID), zap.String(logging.FieldStage, string(req.Stage)))
	log.Info("invoking stage", zap.String("workdir", req.Workdir))

	res, err := inv.Invoke(ctx, req)
	if err != nil {
		return err
	}
	log.Info("stage finished", zap.Duration("took", res.Duration))
	return nil
}

func (o *Orchestrator) resolveStage(ctx context.Context, job *model.Job, st model.StageName, workdir string) (map[model.ArtifactKind]string, error) {
	lookup := artifact.Lookup{JobID: job.ID, Workdir: workdir}
	if job.StartedAt != nil {
		lookup.Since = *job.StartedAt
	}
	paths := make(map[model.ArtifactKind]string)
	for _, spec := range artifact.SpecsFor(st) {
		p, err := o.resolver.Resolve(ctx, spec, lookup)
		if err != nil && spec.Optional && model.CodeOf(err) == model.CodeArtifactNotFound {
			o.logger.Warn("optional artifact not found",
				zap.String(logging.FieldJobID, job.ID),
				zap.String(logging.FieldKind, string(spec.Kind)),
				zap.Error(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		paths[spec.Kind] = p
	}
	return paths, nil
}

// transition commits one edge and notifies subscribers. On error the
// passed job is returned unchanged so the caller can still fail it.
func (o *Orchestrator) transition(ctx context.Context, job *model.Job, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	next, err := o.store.Transition(ctx, job.ID, job.Status, to, mutate)
	if err != nil {
		return job, err
	}
	o.logger.Info("job transition",
		zap.String(logging.FieldJobID, job.ID),
		zap.String("from", string(job.Status)),
		zap.String(logging.FieldStatus, string(to)))
	o.notifier.JobUpdated(next)
	return next, nil
}

// fail records cause on the job and returns it. A job that was moved to a
// terminal state elsewhere, such as by the recovery sweep, is left alone.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	log := o.logger.With(zap.String(logging.FieldJobID, job.ID))
	log.Error("job failed",
		zap.String(logging.FieldStatus, string(job.Status)),
		zap.String("code", string(model.CodeOf(cause))),
		zap.Error(cause))

	_, err := o.transition(ctx, job, model.JobStatusFailed, func(j *model.Job) {
		j.Fail(cause, o.now().UTC())
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
		log.Warn("job changed state before failure was recorded", zap.Error(err))
		return cause
	}
	if err != nil {
		return fmt.Errorf("record failure: %w (cause: %v)", err, cause)
	}
	return cause
}

func checkInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return model.ErrInputMissing(path, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return model.ErrInputMissing(path, errors.New("not a non-empty regular file"))
	}
	return nil
}
