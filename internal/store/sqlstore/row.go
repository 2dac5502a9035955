package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type jobRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Status        string         `db:"status"`
	Params        string         `db:"params"`
	ArtifactPaths string         `db:"artifact_paths"`
	ArtifactURLs  string         `db:"artifact_urls"`
	Error         sql.NullString `db:"error"`
	ErrorCode     sql.NullString `db:"error_code"`
	CreatedAt     string         `db:"created_at"`
	StartedAt     sql.NullString `db:"started_at"`
	FinishedAt    sql.NullString `db:"finished_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func toRow(job *model.Job) (*jobRow, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	paths := job.ArtifactPaths
	if paths == nil {
		paths = map[model.ArtifactKind]string{}
	}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact paths: %w", err)
	}
	urls := job.ArtifactURLs
	if urls == nil {
		urls = map[model.ArtifactKind]model.SignedURL{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact urls: %w", err)
	}

	return &jobRow{
		ID:            job.ID,
		UserID:        job.UserID,
		Status:        string(job.Status),
		Params:        string(params),
		ArtifactPaths: string(pathsJSON),
		ArtifactURLs:  string(urlsJSON),
		Error:         nullString(job.Error),
		ErrorCode:     nullString(job.ErrorCode),
		CreatedAt:     formatTime(job.CreatedAt),
		StartedAt:     formatTimePtr(job.StartedAt),
		FinishedAt:    formatTimePtr(job.FinishedAt),
		UpdatedAt:     formatTime(job.UpdatedAt),
	}, nil
}

func (r *jobRow) toJob() (*model.Job, error) {
	job := &model.Job{
		ID:        r.ID,
		UserID:    r.UserID,
		Status:    model.JobStatus(r.Status),
		Error:     stringPtr(r.Error),
		ErrorCode: stringPtr(r.ErrorCode),
	}
	if err := json.Unmarshal([]byte(r.Params), &job.Params); err != nil {
		return nil, fmt.Errorf("job %s: decode params: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ArtifactPaths), &job.ArtifactPaths); err != nil {
		return nil, fmt.Errorf("job %s: decode artifact paths: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ArtifactURLs), &job.ArtifactURLs); err != nil {
		return nil, fmt.Errorf("job %s: decode artifact urls: %w", r.ID, err)
	}
	if len(job.ArtifactPaths) == 0 {
		job.ArtifactPaths = nil
	}
	if len(job.ArtifactURLs) == 0 {
		job.ArtifactURLs = nil
	}

	var err error
	if job.CreatedAt, err = time.Parse(timeLayout, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("job %s: created_at: %w", r.ID, err)
	}
	if job.UpdatedAt, err = time.Parse(timeLayout, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("job %s: updated_at: %w", r.ID, err)
	}
	if job.StartedAt, err = parseTimePtr(r.StartedAt); err != nil {
		return nil, fmt.Errorf("job %s: started_at: %w", r.ID, err)
	}
	if job.FinishedAt, err = parseTimePtr(r.FinishedAt); err != nil {
		return nil, fmt.Errorf("job %s: finished_at: %w", r.ID, err)
	}
	return job, nil
}
