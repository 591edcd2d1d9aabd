package jobs

// Table holds every job. Timestamps are unix milliseconds so arithmetic on
// them is identical on PostgreSQL and SQLite.
const Table = "procbus_jobs"

// StartsTable records every claim of a job, retries included. Rate limits
// count these rows rather than the jobs' own started_at, which a re-claim
// overwrites.
const StartsTable = "procbus_job_starts"

// Migrations creates the job table and its indexes. The statements are
// idempotent and valid on both supported dialects.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS procbus_jobs (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		limit_class       TEXT NOT NULL,
		state             TEXT NOT NULL,
		data              TEXT,
		result            TEXT,
		last_error        TEXT,
		created_at        BIGINT NOT NULL,
		started_at        BIGINT,
		finished_at       BIGINT,
		delayed_until     BIGINT,
		retries           INTEGER NOT NULL DEFAULT 0,
		max_retries       INTEGER NOT NULL DEFAULT 0,
		retry_delay       INTEGER NOT NULL DEFAULT 0,
		concurrency_limit INTEGER,
		ratelimit         INTEGER,
		ratelimit_period  INTEGER,
		progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
		triggered_by      TEXT,
		lock_id           TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS procbus_jobs_state_created_idx ON procbus_jobs (state, created_at)`,
	`CREATE INDEX IF NOT EXISTS procbus_jobs_class_state_idx ON procbus_jobs (limit_class, state)`,
	`CREATE INDEX IF NOT EXISTS procbus_jobs_class_started_idx ON procbus_jobs (limit_class, started_at)`,
	`CREATE TABLE IF NOT EXISTS procbus_job_starts (
		job_id      TEXT NOT NULL,
		limit_class TEXT NOT NULL,
		started_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS procbus_job_starts_class_idx ON procbus_job_starts (limit_class, started_at)`,
}

const columns = `j.id, j.type, j.title, j.limit_class, j.state, j.data, j.result, j.last_error,
	j.created_at, j.started_at, j.finished_at, j.delayed_until, j.retries, j.max_retries,
	j.retry_delay, j.concurrency_limit, j.ratelimit, j.ratelimit_period, j.progress,
	j.triggered_by, j.lock_id`

// periodMillis widens the period before scaling it; INTEGER times INTEGER
// stays 32-bit on PostgreSQL.
const periodMillis = `CAST(COALESCE(j.ratelimit_period, 0) AS BIGINT) * 1000`

// The derived figures. Each takes the current time twice as a parameter.
const projection = `SELECT ` + columns + `,
	(SELECT COUNT(*) FROM procbus_jobs c
		WHERE c.limit_class = j.limit_class AND c.state IN ('processing', 'scheduled')) AS concurrency,
	(SELECT COUNT(*) FROM procbus_job_starts r
		WHERE r.limit_class = j.limit_class
		AND r.started_at > CAST(? AS BIGINT) - ` + periodMillis + `) AS rate,
	(SELECT MIN(r.started_at) FROM procbus_job_starts r
		WHERE r.limit_class = j.limit_class
		AND r.started_at > CAST(? AS BIGINT) - ` + periodMillis + `) AS oldest_start
	FROM procbus_jobs j`

// claimQuery moves the oldest eligible job to processing. Eligibility is
// computed in the same statement: not delayed, the class below its
// concurrency limit (excluding the candidate itself) and below its rate
// limit within the trailing period. The outer state check makes a
// concurrent claim of the same row a no-op.
const claimQuery = `UPDATE procbus_jobs
	SET state = 'processing', started_at = ?, lock_id = ?, finished_at = NULL
	WHERE id = (
		SELECT j.id FROM procbus_jobs j
		WHERE j.state IN ('waiting', 'scheduled')
		AND (j.delayed_until IS NULL OR j.delayed_until <= ?)
		AND (j.concurrency_limit IS NULL OR (
			SELECT COUNT(*) FROM procbus_jobs c
			WHERE c.limit_class = j.limit_class
			AND c.state IN ('processing', 'scheduled')
			AND c.id <> j.id
		) < j.concurrency_limit)
		AND (j.ratelimit IS NULL OR (
			SELECT COUNT(*) FROM procbus_job_starts r
			WHERE r.limit_class = j.limit_class
			AND r.started_at > CAST(? AS BIGINT) - ` + periodMillis + `
		) < j.ratelimit)
		ORDER BY j.created_at, j.id
		LIMIT 1
	) AND state IN ('waiting', 'scheduled')
	RETURNING id, type, limit_class, retries, lock_id`

// recordStart is run after every successful claim in the same transaction.
const recordStart = `INSERT INTO procbus_job_starts (job_id, limit_class, started_at) VALUES (?, ?, ?)`

// pruneStarts drops starts that lie outside the longest rate period any job
// of their class declares. Classes without rate-limited jobs keep nothing.
const pruneStarts = `DELETE FROM procbus_job_starts
	WHERE started_at <= CAST(? AS BIGINT) - COALESCE((
		SELECT MAX(CAST(j.ratelimit_period AS BIGINT)) * 1000 FROM procbus_jobs j
		WHERE j.limit_class = procbus_job_starts.limit_class AND j.ratelimit IS NOT NULL
	), 0)`

// claimLockKey serializes claims across PostgreSQL sessions.
const claimLockKey = 0x70726f63627573
