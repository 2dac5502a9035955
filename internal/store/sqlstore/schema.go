package sqlstore

// schema is applied statement by statement so it works over both the sqlite
// and the pgx drivers. Every column is TEXT to keep the two dialects equal.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		params TEXT NOT NULL,
		artifact_paths TEXT NOT NULL DEFAULT '{}',
		artifact_urls TEXT NOT NULL DEFAULT '{}',
		error TEXT,
		error_code TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
}

const jobColumns = `id, user_id, status, params, artifact_paths, artifact_urls,
	error, error_code, created_at, started_at, finished_at, updated_at`
