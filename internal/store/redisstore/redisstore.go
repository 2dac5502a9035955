package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

const (
	keyPrefix   = "melodygen:job:"
	indexKey    = "melodygen:jobs"
	statusIndex = "melodygen:jobs:status:"
)

// Store keeps each job as one JSON value, plus a created_at sorted set of
// all jobs and one per status. Transitions use WATCH/MULTI on the job key.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func jobKey(id string) string { return keyPrefix + id }

func statusKey(s model.JobStatus) string { return statusIndex + string(s) }

func createdScore(job *model.Job) redis.Z {
	return redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID}
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return store.ErrDuplicate
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		z := createdScore(job)
		pipe.ZAdd(ctx, indexKey, z)
		pipe.ZAdd(ctx, statusKey(job.Status), z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.rdb, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, store.ErrInvalidTransition)
	}

	var next *model.Job
	key := jobKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err = store.Apply(current, from, to, mutate, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, statusKey(from), id)
			pipe.ZAdd(ctx, statusKey(to), createdScore(next))
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) List(ctx context.Context, opts store.ListOptions) ([]*model.Job, error) {
	// Without a user filter the newest limit entries of each index are
	// enough; filtering by user has to look at every candidate.
	stop := int64(-1)
	if limit := opts.EffectiveLimit(); limit > 0 && opts.UserID == "" {
		stop = int64(limit - 1)
	}

	var ids []string
	if len(opts.Statuses) > 0 {
		seen := make(map[string]bool)
		for _, st := range opts.Statuses {
			part, err := s.rdb.ZRevRange(ctx, statusKey(st), 0, stop).Result()
			if err != nil {
				return nil, fmt.Errorf("list jobs: %w", err)
			}
			for _, id := range part {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	} else {
		var err error
		ids, err = s.rdb.ZRevRange(ctx, indexKey, 0, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
	}
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		if opts.Matches(&job) {
			jobs = append(jobs, &job)
		}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit := opts.EffectiveLimit(); limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op: the redis client is shared with the queue and owned by main.
func (s *Store) Close() error {
	return nil
}
