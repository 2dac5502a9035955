package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func pendingJob(id string, created time.Time) *model.Job {
	return &model.Job{
		ID:        id,
		UserID:    "user-1",
		Status:    model.JobStatusPending,
		Params:    model.JobParams{InputFile: "/in/" + id + ".wav", OneShot: true},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateGetDuplicate(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, pendingJob("a", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !mr.Exists("melodygen:job:a") {
		t.Fatal("job key not written")
	}
	if err := s.Create(ctx, pendingJob("a", time.Now())); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("duplicate: got %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Params.OneShot {
		t.Errorf("params lost: %+v", got.Params)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
}

func TestTransitionMovesStatusIndex(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, pendingJob("a", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, "a", model.JobStatusPending, model.JobStatusMelodyRunning, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	pending, _ := mr.ZMembers("melodygen:jobs:status:pending")
	if len(pending) != 0 {
		t.Errorf("pending index still holds %v", pending)
	}
	running, _ := mr.ZMembers("melodygen:jobs:status:melody_running")
	if len(running) != 1 || running[0] != "a" {
		t.Errorf("running index = %v", running)
	}

	if _, err := s.Transition(ctx, "a", model.JobStatusPending, model.JobStatusMelodyRunning, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second claim: got %v, want ErrConflict", err)
	}
	if _, err := s.Transition(ctx, "a", model.JobStatusMelodyRunning, model.JobStatusVocalDone, nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("skip edge: got %v, want ErrInvalidTransition", err)
	}
}

func TestRacingClaimsExactlyOneWins(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, pendingJob("race", time.Now())); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, "race", model.JobStatusPending, model.JobStatusMelodyRunning, nil)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestListByStatusAndUser(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		job := pendingJob(id, base.Add(time.Duration(i)*time.Minute))
		if id == "b" {
			job.UserID = "other"
		}
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.Transition(ctx, "c", model.JobStatusPending, model.JobStatusFailed, func(j *model.Job) {
		j.Fail(model.ErrStaleJob(model.JobStatusPending), time.Now())
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	all, err := s.List(ctx, store.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("order: got %d jobs, first %s", len(all), all[0].ID)
	}

	mine, err := s.List(ctx, store.ListOptions{UserID: "user-1", Statuses: []model.JobStatus{model.JobStatusPending}})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "a" {
		t.Fatalf("filtered = %d jobs", len(mine))
	}
}

func TestListStatusesNewestFirstWithLimit(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		if err := s.Create(ctx, pendingJob(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Create: %v", err)
		}
		// Even jobs fail, odd jobs start running.
		to := model.JobStatusMelodyRunning
		if i%2 == 0 {
			to = model.JobStatusFailed
		}
		if _, err := s.Transition(ctx, id, model.JobStatusPending, to, func(j *model.Job) {
			if to == model.JobStatusFailed {
				j.Fail(model.ErrStaleJob(model.JobStatusPending), time.Now())
			}
		}); err != nil {
			t.Fatalf("%s -> %s: %v", id, to, err)
		}
	}

	got, err := s.List(ctx, store.ListOptions{
		Statuses: []model.JobStatus{model.JobStatusFailed, model.JobStatusMelodyRunning},
		Limit:    3,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, j := range got {
		ids = append(ids, j.ID)
	}
	if len(ids) != 3 || ids[0] != "f" || ids[1] != "e" || ids[2] != "d" {
		t.Fatalf("ids = %v, want [f e d]", ids)
	}

	failed, err := s.List(ctx, store.ListOptions{Statuses: []model.JobStatus{model.JobStatusFailed}, Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 2 || failed[0].ID != "e" || failed[1].ID != "c" {
		t.Fatalf("failed = %+v", failed)
	}
}
