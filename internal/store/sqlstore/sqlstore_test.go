package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("close: %v", err)
		}
	})
	return s
}

func newPendingJob(id string, created time.Time) *model.Job {
	bpm := 120.0
	return &model.Job{
		ID:        id,
		UserID:    "user-1",
		Status:    model.JobStatusPending,
		Params:    model.JobParams{InputFile: "/shared/input/job_" + id + "/song.wav", BPM: &bpm},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Create(ctx, newPendingJob("a", created)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.JobStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, created)
	}
	if got.Params.BPM == nil || *got.Params.BPM != 120 {
		t.Errorf("params not round-tripped: %+v", got.Params)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("expected no timestamps, got %v %v", got.StartedAt, got.FinishedAt)
	}

	if err := s.Create(ctx, newPendingJob("a", created)); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate create: got %v, want ErrDuplicate", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Create(ctx, newPendingJob("j1", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	claimed, err := s.Transition(ctx, "j1", model.JobStatusPending, model.JobStatusMelodyRunning, func(j *model.Job) {
		started := now
		j.StartedAt = &started
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.StartedAt == nil {
		t.Fatal("StartedAt not set on claim")
	}

	if _, err := s.Transition(ctx, "j1", model.JobStatusMelodyRunning, model.JobStatusMelodyDone, func(j *model.Job) {
		j.SetArtifactPath(model.ArtifactMIDI, "/tmp/melody.mid")
	}); err != nil {
		t.Fatalf("melody_done: %v", err)
	}
	if _, err := s.Transition(ctx, "j1", model.JobStatusMelodyDone, model.JobStatusUploading, nil); err != nil {
		t.Fatalf("uploading: %v", err)
	}
	urls := map[model.ArtifactKind]model.SignedURL{
		model.ArtifactMIDI: {URL: "https://example/midi", Key: "k", ExpiresAt: now.Add(time.Hour)},
	}
	done, err := s.Transition(ctx, "j1", model.JobStatusUploading, model.JobStatusCompleted, func(j *model.Job) {
		j.Complete(urls, now.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("completed: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.JobStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.ArtifactURLs[model.ArtifactMIDI].URL != "https://example/midi" {
		t.Errorf("urls = %+v", got.ArtifactURLs)
	}
	if got.ArtifactPaths[model.ArtifactMIDI] != "/tmp/melody.mid" {
		t.Errorf("paths = %+v", got.ArtifactPaths)
	}
	if d := got.Duration(); d == nil || *d != time.Minute {
		t.Errorf("duration = %v, want 1m", d)
	}
	if done.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestTransitionRejectsNonDAGEdgeAndTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newPendingJob("j1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Transition(ctx, "j1", model.JobStatusPending, model.JobStatusCompleted, nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("pending->completed: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Transition(ctx, "j1", model.JobStatusPending, model.JobStatusFailed, func(j *model.Job) {
		j.Fail(errors.New("boom"), time.Now())
	}); err != nil {
		t.Fatalf("pending->failed: %v", err)
	}
	if _, err := s.Transition(ctx, "j1", model.JobStatusFailed, model.JobStatusFailed, nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("failed->failed: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Transition(ctx, "j1", model.JobStatusPending, model.JobStatusMelodyRunning, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("claim of failed job: got %v, want ErrConflict", err)
	}
}

func TestTransitionRejectsURLsBeforeCompletion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newPendingJob("j1", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Transition(ctx, "j1", model.JobStatusPending, model.JobStatusMelodyRunning, func(j *model.Job) {
		j.ArtifactURLs = map[model.ArtifactKind]model.SignedURL{model.ArtifactVocal: {URL: "x"}}
	})
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	got, _ := s.Get(ctx, "j1")
	if got.Status != model.JobStatusPending {
		t.Fatalf("status changed to %s after rejected transition", got.Status)
	}
}

func TestRacingClaimsExactlyOneWins(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, newPendingJob("race", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const runners = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "race", model.JobStatusPending, model.JobStatusMelodyRunning, func(j *model.Job) {
				now := time.Now()
				j.StartedAt = &now
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if conflicts != runners-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, runners-1)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		job := newPendingJob(id, base.Add(time.Duration(i)*time.Hour))
		if id == "mid" {
			job.UserID = "user-2"
		}
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := s.Transition(ctx, "new", model.JobStatusPending, model.JobStatusMelodyRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}

	all, err := s.List(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	mine, err := s.List(ctx, store.ListOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("List user: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("user filter: %v", ids(mine))
	}

	running, err := s.List(ctx, store.ListOptions{Statuses: []model.JobStatus{model.JobStatusMelodyRunning, model.JobStatusVocalRunning}})
	if err != nil {
		t.Fatalf("List status: %v", err)
	}
	if len(running) != 1 || running[0].ID != "new" {
		t.Fatalf("status filter: %v", ids(running))
	}

	limited, err := s.List(ctx, store.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit: %v", ids(limited))
	}
}

func ids(jobs []*model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
