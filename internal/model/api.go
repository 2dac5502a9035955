package model

import (
	"path/filepath"
	"time"
)

// CreateJobRequest holds the form fields accepted by POST /api/jobs.
// The audio file itself travels as the multipart "file" part.
type CreateJobRequest struct {
	StartTime *float64 `form:"startTime" validate:"omitempty,gte=0"`
	BPM       *float64 `form:"bpm" validate:"omitempty,gt=0,lte=400"`
	Seed      *int64   `form:"seed" validate:"omitempty,gte=0"`
	OneShot   bool     `form:"oneShot"`
	Voice     Voice    `form:"voice" validate:"omitempty,oneof=female male"`
}

// CreateJobResponse is returned with 202 Accepted.
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Seed      int64     `json:"seed"`
	CreatedAt time.Time `json:"createdAt"`
	Poll      PollHints `json:"poll"`
}

// PollHints tells polling clients how long to keep asking.
type PollHints struct {
	IntervalSeconds int `json:"intervalSeconds"`
	MaxAttempts     int `json:"maxAttempts"`
}

// ParamsView is the client-facing copy of JobParams. The stored input path
// is local to the server and is reduced to its file name.
type ParamsView struct {
	InputName      string   `json:"inputName,omitempty"`
	StartTime      *float64 `json:"startTime,omitempty"`
	BPM            *float64 `json:"bpm,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	SeedRandomized bool     `json:"seedRandomized,omitempty"`
	OneShot        bool     `json:"oneShot"`
	Voice          Voice    `json:"voice,omitempty"`
}

func newParamsView(p JobParams) ParamsView {
	v := ParamsView{
		StartTime:      p.StartTime,
		BPM:            p.BPM,
		Seed:           p.Seed,
		SeedRandomized: p.SeedRandomized,
		OneShot:        p.OneShot,
		Voice:          p.Voice,
	}
	if p.InputFile != "" {
		v.InputName = filepath.Base(p.InputFile)
	}
	return v
}

// JobView is the read-only projection served to polling clients.
type JobView struct {
	JobID           string                     `json:"jobId"`
	Status          JobStatus                  `json:"status"`
	Params          ParamsView                 `json:"params"`
	ArtifactURLs    map[ArtifactKind]SignedURL `json:"artifactUrls"`
	Error           *string                    `json:"error,omitempty"`
	ErrorCode       *string                    `json:"errorCode,omitempty"`
	CreatedAt       time.Time                  `json:"createdAt"`
	StartedAt       *time.Time                 `json:"startedAt,omitempty"`
	FinishedAt      *time.Time                 `json:"finishedAt,omitempty"`
	DurationSeconds *float64                   `json:"duration"`
	ElapsedSeconds  *float64                   `json:"elapsed,omitempty"`
	DurationDisplay string                     `json:"durationDisplay"`
	Poll            PollHints                  `json:"poll"`
}

// NewJobView projects a job row. Artifact URLs are only exposed for
// completed jobs so a client never sees a partial set.
func NewJobView(job *Job, now time.Time, poll PollHints) *JobView {
	view := &JobView{
		JobID:        job.ID,
		Status:       job.Status,
		Params:       newParamsView(job.Params),
		ArtifactURLs: map[ArtifactKind]SignedURL{},
		Error:        job.Error,
		ErrorCode:    job.ErrorCode,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		Poll:         poll,
	}
	if job.Status == JobStatusCompleted {
		for k, v := range job.ArtifactURLs {
			view.ArtifactURLs[k] = v
		}
	}
	d := job.Duration()
	if d != nil {
		secs := d.Seconds()
		view.DurationSeconds = &secs
	}
	if e := job.Elapsed(now); e != nil {
		secs := e.Seconds()
		view.ElapsedSeconds = &secs
	}
	view.DurationDisplay = FormatDuration(d)
	return view
}

// JobListResponse wraps GET /api/jobs.
type JobListResponse struct {
	Jobs []*JobView `json:"jobs"`
}
