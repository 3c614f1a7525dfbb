package postgres

// Schema statements are idempotent; Initialize runs them on every start,
// which keeps fleet members safe to boot in any order (the first one wins,
// the rest no-op).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS flintq_jobs (
		id             TEXT PRIMARY KEY,
		task_name      TEXT NOT NULL,
		args           JSONB,
		kwargs         JSONB,
		version        TEXT NOT NULL DEFAULT '',
		queue_name     TEXT NOT NULL DEFAULT 'default',
		priority       INT NOT NULL DEFAULT 2,
		scheduled_at   TIMESTAMPTZ,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		max_retries    INT NOT NULL DEFAULT 3,
		retry_delay_ms BIGINT NOT NULL DEFAULT 60000,
		timeout_ms     BIGINT NOT NULL DEFAULT 0,
		worker_id      TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ,
		result         JSONB,
		error          JSONB,
		tags           TEXT[],
		metadata       JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flintq_jobs_dequeue
		ON flintq_jobs (queue_name, status, priority, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_flintq_jobs_status ON flintq_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_flintq_jobs_created_at ON flintq_jobs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_flintq_jobs_worker ON flintq_jobs (worker_id)`,

	`CREATE TABLE IF NOT EXISTS flintq_schedules (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		cron_expression  TEXT NOT NULL DEFAULT '',
		interval_spec    JSONB,
		task_name        TEXT NOT NULL,
		args             JSONB,
		kwargs           JSONB,
		queue_name       TEXT NOT NULL DEFAULT 'default',
		priority         INT NOT NULL DEFAULT 2,
		tags             TEXT[],
		metadata         JSONB,
		max_retries      INT,
		retry_delay_ms   BIGINT NOT NULL DEFAULT 0,
		timeout_ms       BIGINT NOT NULL DEFAULT 0,
		version          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		last_run_at      TIMESTAMPTZ,
		next_run_at      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flintq_schedules_due
		ON flintq_schedules (status, next_run_at)`,

	`CREATE TABLE IF NOT EXISTS flintq_queue_state (
		queue_name TEXT PRIMARY KEY,
		paused     BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS flintq_locks (
		name       TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}
