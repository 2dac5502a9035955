package model

import (
	"fmt"
	"time"
)

// JobParams is the parameter snapshot captured when a job is created.
// It is never modified afterwards; a re-run creates a new job.
type JobParams struct {
	InputFile      string   `json:"inputFile"`
	StartTime      *float64 `json:"startTime,omitempty"`
	BPM            *float64 `json:"bpm,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	SeedRandomized bool     `json:"seedRandomized,omitempty"`
	OneShot        bool     `json:"oneShot"`
	Voice          Voice    `json:"voice,omitempty"`
}

// SignedURL is a time-limited link to a published artifact.
type SignedURL struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Job is the unit of work driven through the melody and vocal stages.
type Job struct {
	ID            string                     `json:"id"`
	UserID        string                     `json:"userId,omitempty"`
	Status        JobStatus                  `json:"status"`
	Params        JobParams                  `json:"params"`
	ArtifactPaths map[ArtifactKind]string    `json:"artifactPaths,omitempty"`
	ArtifactURLs  map[ArtifactKind]SignedURL `json:"artifactUrls,omitempty"`
	Error         *string                    `json:"error,omitempty"`
	ErrorCode     *string                    `json:"errorCode,omitempty"`
	CreatedAt     time.Time                  `json:"createdAt"`
	StartedAt     *time.Time                 `json:"startedAt,omitempty"`
	FinishedAt    *time.Time                 `json:"finishedAt,omitempty"`
	UpdatedAt     time.Time                  `json:"updatedAt"`
}

// Duration returns FinishedAt - StartedAt, or nil while the job is running.
func (j *Job) Duration() *time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return nil
	}
	d := j.FinishedAt.Sub(*j.StartedAt)
	return &d
}

// Elapsed returns the time since StartedAt for a running job.
func (j *Job) Elapsed(now time.Time) *time.Duration {
	if j.StartedAt == nil || j.FinishedAt != nil {
		return nil
	}
	d := now.Sub(*j.StartedAt)
	return &d
}

// SetArtifactPath records a resolved local artifact.
func (j *Job) SetArtifactPath(kind ArtifactKind, path string) {
	if j.ArtifactPaths == nil {
		j.ArtifactPaths = make(map[ArtifactKind]string)
	}
	j.ArtifactPaths[kind] = path
}

// Fail records the failure cause. A cause that is already set is kept.
func (j *Job) Fail(err error, now time.Time) {
	if j.Error == nil {
		msg := err.Error()
		code := string(CodeOf(err))
		j.Error = &msg
		j.ErrorCode = &code
	}
	j.Status = JobStatusFailed
	j.ArtifactURLs = nil
	j.finish(now)
}

// Complete attaches the published URLs and closes the job.
func (j *Job) Complete(urls map[ArtifactKind]SignedURL, now time.Time) {
	j.Status = JobStatusCompleted
	j.ArtifactURLs = urls
	j.finish(now)
}

func (j *Job) finish(now time.Time) {
	if j.FinishedAt == nil {
		t := now
		j.FinishedAt = &t
	}
	if j.StartedAt == nil {
		j.StartedAt = j.FinishedAt
	}
}

// Validate checks the row-level invariants that must hold after every update.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if len(j.ArtifactURLs) > 0 && j.Status != JobStatusCompleted {
		return fmt.Errorf("job %s: artifact urls present in status %s", j.ID, j.Status)
	}
	if j.Status == JobStatusCompleted && len(j.ArtifactURLs) == 0 {
		return fmt.Errorf("job %s: completed without artifact urls", j.ID)
	}
	if j.Error != nil && j.Status != JobStatusFailed {
		return fmt.Errorf("job %s: error set in status %s", j.ID, j.Status)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored maps.
func (j *Job) Clone() *Job {
	c := *j
	if j.ArtifactPaths != nil {
		c.ArtifactPaths = make(map[ArtifactKind]string, len(j.ArtifactPaths))
		for k, v := range j.ArtifactPaths {
			c.ArtifactPaths[k] = v
		}
	}
	if j.ArtifactURLs != nil {
		c.ArtifactURLs = make(map[ArtifactKind]SignedURL, len(j.ArtifactURLs))
		for k, v := range j.ArtifactURLs {
			c.ArtifactURLs[k] = v
		}
	}
	return &c
}

// FormatDuration renders a duration the way the job list shows it.
func FormatDuration(d *time.Duration) string {
	if d == nil {
		return "In progress"
	}
	seconds := d.Seconds()
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.1f seconds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1f minutes", seconds/60)
	default:
		return fmt.Sprintf("%.1f hours", seconds/3600)
	}
}
