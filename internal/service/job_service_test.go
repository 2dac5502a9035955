package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/stage"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/internal/store/sqlstore"
)

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, jobID)
	return nil
}

func setupService(t *testing.T) (*JobService, *sqlstore.Store, *fakeEnqueuer, string) {
	t.Helper()
	shared := t.TempDir()
	st, err := sqlstore.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	enq := &fakeEnqueuer{}
	svc := NewJobService(st, enq,
		stage.Pipeline{SharedDir: shared, DefaultVoice: model.VoiceFemale},
		PollConfig{Interval: 5 * time.Second, BaseAttempts: 120, Headroom: 1.5},
		nil)
	return svc, st, enq, shared
}

func f64(v float64) *float64 { return &v }

func TestCreateStoresInputAndDispatches(t *testing.T) {
	svc, st, enq, shared := setupService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, &CreateJobInput{
		UserID:   "u1",
		FileName: "song.wav",
		File:     strings.NewReader("RIFF....WAVE"),
		Request:  model.CreateJobRequest{BPM: f64(120)},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.Status != model.JobStatusPending {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.Seed < 0 || resp.Seed > MaxSeed {
		t.Errorf("seed %d out of range", resp.Seed)
	}
	if resp.Poll.IntervalSeconds != 5 || resp.Poll.MaxAttempts != 120 {
		t.Errorf("poll = %+v", resp.Poll)
	}
	if len(enq.ids) != 1 || enq.ids[0] != resp.JobID {
		t.Fatalf("enqueued = %v", enq.ids)
	}

	job, err := st.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantPath := filepath.Join(shared, "input", "job_"+resp.JobID, "job_"+resp.JobID+"_song.wav")
	if job.Params.InputFile != wantPath {
		t.Errorf("input = %s, want %s", job.Params.InputFile, wantPath)
	}
	if data, err := os.ReadFile(wantPath); err != nil || string(data) != "RIFF....WAVE" {
		t.Errorf("stored input = %q, %v", data, err)
	}
	if !job.Params.SeedRandomized || job.Params.Voice != model.VoiceFemale || job.UserID != "u1" {
		t.Errorf("params = %+v user=%s", job.Params, job.UserID)
	}
}

func TestCreateKeepsSuppliedSeed(t *testing.T) {
	svc, st, _, _ := setupService(t)
	seed := int64(1234)
	resp, err := svc.Create(context.Background(), &CreateJobInput{
		FileName: "a.wav",
		File:     strings.NewReader("x"),
		Request:  model.CreateJobRequest{Seed: &seed, Voice: model.VoiceMale},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	job, _ := st.Get(context.Background(), resp.JobID)
	if *job.Params.Seed != 1234 || job.Params.SeedRandomized {
		t.Errorf("seed = %d randomized=%v", *job.Params.Seed, job.Params.SeedRandomized)
	}
	if job.Params.Voice != model.VoiceMale {
		t.Errorf("voice = %s", job.Params.Voice)
	}
}

func TestCreateRejectsStartTimeWithoutBPM(t *testing.T) {
	svc, st, enq, _ := setupService(t)
	_, err := svc.Create(context.Background(), &CreateJobInput{
		FileName: "a.wav",
		File:     strings.NewReader("x"),
		Request:  model.CreateJobRequest{StartTime: f64(3)},
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("got %v", err)
	}
	if len(enq.ids) != 0 {
		t.Fatal("job dispatched")
	}
	jobs, _ := st.List(context.Background(), store.ListOptions{})
	if len(jobs) != 0 {
		t.Fatalf("jobs created: %d", len(jobs))
	}
}

func TestCreateRejectsEmptyUpload(t *testing.T) {
	svc, _, _, shared := setupService(t)
	_, err := svc.Create(context.Background(), &CreateJobInput{
		FileName: "empty.wav",
		File:     strings.NewReader(""),
	})
	if !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(shared, "input"))
	if len(entries) != 0 {
		t.Fatalf("input dir left behind: %v", entries)
	}
}

func TestCreateFailsJobWhenDispatchFails(t *testing.T) {
	svc, st, enq, _ := setupService(t)
	enq.err = errors.New("redis down")
	_, err := svc.Create(context.Background(), &CreateJobInput{
		FileName: "a.wav",
		File:     strings.NewReader("x"),
		Request:  model.CreateJobRequest{BPM: f64(100)},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	jobs, _ := st.List(context.Background(), store.ListOptions{})
	if len(jobs) != 1 || jobs[0].Status != model.JobStatusFailed {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestPollHintsGrowWithSlowJobs(t *testing.T) {
	svc, st, _, _ := setupService(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour).UTC()
	job := &model.Job{ID: "slow", Status: model.JobStatusPending, CreatedAt: start, UpdatedAt: start}
	if err := st.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	steps := []model.JobStatus{model.JobStatusMelodyRunning, model.JobStatusMelodyDone, model.JobStatusUploading}
	from := model.JobStatusPending
	for _, to := range steps {
		if _, err := st.Transition(ctx, "slow", from, to, func(j *model.Job) {
			if j.StartedAt == nil {
				j.StartedAt = &start
			}
		}); err != nil {
			t.Fatalf("%s: %v", to, err)
		}
		from = to
	}
	if _, err := st.Transition(ctx, "slow", from, model.JobStatusCompleted, func(j *model.Job) {
		j.Complete(map[model.ArtifactKind]model.SignedURL{model.ArtifactMIDI: {URL: "u"}}, start.Add(20*time.Minute))
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	hints := svc.PollHints(ctx)
	// 1200s * 1.5 / 5s
	if hints.MaxAttempts != 360 {
		t.Fatalf("max attempts = %d, want 360", hints.MaxAttempts)
	}
}

// countingStore counts List calls.
type countingStore struct {
	store.Store
	lists int
}

func (c *countingStore) List(ctx context.Context, opts store.ListOptions) ([]*model.Job, error) {
	c.lists++
	return c.Store.List(ctx, opts)
}

func TestPollHintsAreCached(t *testing.T) {
	_, st, enq, _ := setupService(t)
	counting := &countingStore{Store: st}
	svc := NewJobService(counting, enq, stage.Pipeline{SharedDir: t.TempDir()},
		PollConfig{Interval: 5 * time.Second, BaseAttempts: 120, Headroom: 1.5}, nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if h := svc.PollHints(ctx); h.MaxAttempts != 120 {
			t.Fatalf("max attempts = %d", h.MaxAttempts)
		}
	}
	if counting.lists != 1 {
		t.Fatalf("store listed %d times, want 1", counting.lists)
	}

	now = now.Add(hintsTTL)
	svc.PollHints(ctx)
	if counting.lists != 2 {
		t.Fatalf("hints not refreshed after ttl: %d lists", counting.lists)
	}
}

func TestGetHidesOtherUsersJobs(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()
	resp, err := svc.Create(ctx, &CreateJobInput{UserID: "owner", FileName: "a.wav", File: strings.NewReader("x"), Request: model.CreateJobRequest{BPM: f64(90)}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	view, err := svc.Get(ctx, resp.JobID, "owner")
	if err != nil {
		t.Fatalf("Get owner: %v", err)
	}
	if view.Status != model.JobStatusPending || len(view.ArtifactURLs) != 0 {
		t.Errorf("view = %+v", view)
	}
	if view.DurationDisplay != "In progress" {
		t.Errorf("duration display = %s", view.DurationDisplay)
	}
	if _, err := svc.Get(ctx, resp.JobID, "intruder"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get other user: %v", err)
	}
}
