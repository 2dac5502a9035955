package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

// Store is the SQL job store. Conditional transitions are a single
// UPDATE guarded by the expected status, so no transaction is held while
// the caller's mutate function runs.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// OpenSQLite opens (or creates) a sqlite database file.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between concurrent runners.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return newStore(db)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db)
}

func newStore(db *sqlx.DB) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	row, err := toRow(job)
	if err != nil {
		return err
	}

	var exists int
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), job.ID)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if exists > 0 {
		return store.ErrDuplicate
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		:id, :user_id, :status, :params, :artifact_paths, :artifact_urls,
		:error, :error_code, :created_at, :started_at, :finished_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.toJob()
}

func (s *Store) Transition(ctx context.Context, id string, from, to model.JobStatus, mutate func(*model.Job)) (*model.Job, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, store.ErrInvalidTransition)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := store.Apply(current, from, to, mutate, s.now())
	if err != nil {
		return nil, err
	}
	row, err := toRow(next)
	if err != nil {
		return nil, err
	}

	query := s.db.Rebind(`UPDATE jobs SET
		status = ?, artifact_paths = ?, artifact_urls = ?, error = ?, error_code = ?,
		started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		row.Status, row.ArtifactPaths, row.ArtifactURLs, row.Error, row.ErrorCode,
		row.StartedAt, row.FinishedAt, row.UpdatedAt,
		id, string(from))
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	if n == 0 {
		return nil, store.ErrConflict
	}
	return next, nil
}

func (s *Store) List(ctx context.Context, opts store.ListOptions) ([]*model.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status IN (?)")
		args = append(args, statuses)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if limit := opts.EffectiveLimit(); limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*model.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
