package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// The store functions run against whatever Querier the caller holds, so
// job writes join the caller's transaction.

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func insertJob(ctx context.Context, q database.Querier, j *Job) error {
	data := string(j.Data)
	if data == "" {
		data = "null"
	}
	_, err := q.Exec(ctx, `INSERT INTO procbus_jobs (
			id, type, title, limit_class, state, data, created_at, delayed_until,
			retries, max_retries, retry_delay, concurrency_limit, ratelimit,
			ratelimit_period, progress, triggered_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0, ?)`,
		j.ID, j.Type, j.Title, j.LimitClass, string(j.State), data, toMillis(j.CreatedAt),
		nullTime(j.DelayedUntil), j.MaxRetries, j.RetryDelay, nullInt(j.ConcurrencyLimit),
		nullInt(j.Ratelimit), nullInt(j.RatelimitPeriod), nullString(j.TriggeredBy),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// claimed is what the claim statement returns.
type claimed struct {
	ID         string `db:"id"`
	Type       string `db:"type"`
	LimitClass string `db:"limit_class"`
	Retries    int    `db:"retries"`
	LockID     string `db:"lock_id"`
}

// lockClaims takes the transaction-scoped claim lock where the dialect has
// one. SQLite serializes writers at BEGIN IMMEDIATE already.
func lockClaims(ctx context.Context, q database.Querier) error {
	if q.Dialect() != database.Postgres {
		return nil
	}
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(?)`, int64(claimLockKey)); err != nil {
		return fmt.Errorf("claim lock: %w", err)
	}
	return nil
}

// claimNext claims the oldest eligible job for lockID and records the start.
// It returns ErrNoEligibleJob when nothing can start at now.
//
// On PostgreSQL the outer state check rejects a candidate that a concurrent
// terminate changed after the subquery picked it. A second statement sees
// the new snapshot and moves on to the next candidate.
func claimNext(ctx context.Context, q database.Querier, now time.Time, lockID string) (claimed, error) {
	attempts := 1
	if q.Dialect() == database.Postgres {
		attempts = 2
	}
	ms := toMillis(now)
	for i := 1; ; i++ {
		var c claimed
		err := q.Get(ctx, &c, claimQuery, ms, lockID, ms, ms)
		if errors.Is(err, sql.ErrNoRows) {
			if i < attempts {
				continue
			}
			return claimed{}, perrors.ErrNoEligibleJob
		}
		if err != nil {
			return claimed{}, fmt.Errorf("claim job: %w", err)
		}
		if _, err := q.Exec(ctx, recordStart, c.ID, c.LimitClass, ms); err != nil {
			return claimed{}, fmt.Errorf("record start of job %s: %w", c.ID, err)
		}
		return c, nil
	}
}

// pruneJobStarts forgets starts no rate window can reach any more.
func pruneJobStarts(ctx context.Context, q database.Querier, now time.Time) error {
	if _, err := q.Exec(ctx, pruneStarts, toMillis(now)); err != nil {
		return fmt.Errorf("prune job starts: %w", err)
	}
	return nil
}

func getRow(ctx context.Context, q database.Querier, id string) (row, error) {
	var r row
	err := q.Get(ctx, &r, `SELECT `+columns+` FROM procbus_jobs j WHERE j.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, fmt.Errorf("%w: %s", perrors.ErrJobNotFound, id)
	}
	if err != nil {
		return row{}, fmt.Errorf("load job %s: %w", id, err)
	}
	return r, nil
}

// getJob returns the projection of one job, nil when it does not exist.
func getJob(ctx context.Context, q database.Querier, id string, now time.Time) (*Job, error) {
	ms := toMillis(now)
	var p projectedRow
	err := q.Get(ctx, &p, projection+` WHERE j.id = ?`, ms, ms, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j := p.toJob()
	return &j, nil
}

func listJobs(ctx context.Context, q database.Querier, query ListQuery, now time.Time) (Page, error) {
	query = query.normalize()

	var where []string
	var args []any
	if query.State != "" {
		where = append(where, "j.state = ?")
		args = append(args, string(query.State))
	}
	if query.Type != "" {
		where = append(where, "j.type = ?")
		args = append(args, query.Type)
	}
	if query.LimitClass != "" {
		where = append(where, "j.limit_class = ?")
		args = append(args, query.LimitClass)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := Page{Jobs: []Job{}, Limit: query.Limit, Offset: query.Offset}
	if err := q.Get(ctx, &page.Total, `SELECT COUNT(*) FROM procbus_jobs j`+clause, args...); err != nil {
		return Page{}, fmt.Errorf("count jobs: %w", err)
	}

	ms := toMillis(now)
	selectArgs := append([]any{ms, ms}, args...)
	selectArgs = append(selectArgs, query.Limit, query.Offset)
	var rows []projectedRow
	err := q.Select(ctx, &rows, projection+clause+` ORDER BY j.created_at DESC, j.id DESC LIMIT ? OFFSET ?`, selectArgs...)
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	for _, r := range rows {
		page.Jobs = append(page.Jobs, r.toJob())
	}
	return page, nil
}

// The outcome writes below are fenced by lockID: they only apply while the
// claim that produced them is still the current one. They report whether
// the row was updated.

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func markSucceeded(ctx context.Context, q database.Querier, id, lockID string, now time.Time, result []byte) (bool, error) {
	ok, err := affected(q.Exec(ctx, `UPDATE procbus_jobs
		SET state = 'succeeded', finished_at = ?, progress = 1, result = ?, lock_id = NULL
		WHERE id = ? AND lock_id = ? AND state = 'processing'`,
		toMillis(now), string(result), id, lockID))
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return ok, nil
}

func markRetry(ctx context.Context, q database.Querier, id, lockID string, retries int, delayedUntil time.Time, lastError string) (bool, error) {
	ok, err := affected(q.Exec(ctx, `UPDATE procbus_jobs
		SET state = 'scheduled', retries = ?, delayed_until = ?, last_error = ?, lock_id = NULL
		WHERE id = ? AND lock_id = ? AND state = 'processing'`,
		retries, toMillis(delayedUntil), lastError, id, lockID))
	if err != nil {
		return false, fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return ok, nil
}

func markFailed(ctx context.Context, q database.Querier, id, lockID string, now time.Time, progress float64, result []byte, lastError string) (bool, error) {
	ok, err := affected(q.Exec(ctx, `UPDATE procbus_jobs
		SET state = 'failed', finished_at = ?, progress = ?, result = ?, last_error = ?, lock_id = NULL
		WHERE id = ? AND lock_id = ? AND state = 'processing'`,
		toMillis(now), progress, string(result), lastError, id, lockID))
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return ok, nil
}

func setProgress(ctx context.Context, q database.Querier, id, lockID string, progress float64) (bool, error) {
	ok, err := affected(q.Exec(ctx, `UPDATE procbus_jobs SET progress = ?
		WHERE id = ? AND lock_id = ? AND state = 'processing'`, progress, id, lockID))
	if err != nil {
		return false, fmt.Errorf("report progress of job %s: %w", id, err)
	}
	return ok, nil
}

// retryJob moves a failed job back to scheduled. The retry budget is left
// as it is.
func retryJob(ctx context.Context, q database.Querier, id string) error {
	ok, err := affected(q.Exec(ctx, `UPDATE procbus_jobs
		SET state = 'scheduled', finished_at = NULL, delayed_until = NULL, lock_id = NULL
		WHERE id = ? AND state = 'failed'`, id))
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if ok {
		return nil
	}
	r, err := getRow(ctx, q, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot retry job %s in state %s", perrors.ErrInvalidJobState, id, r.State)
}

// terminateJob fails a job that is not terminal yet and drops its claim, so
// a worker still executing it can no longer record an outcome. Terminal jobs
// are left untouched.
func terminateJob(ctx context.Context, q database.Querier, id string, now time.Time, result []byte) error {
	_, err := q.Exec(ctx, `UPDATE procbus_jobs
		SET state = 'failed', finished_at = ?, result = ?, last_error = ?, lock_id = NULL
		WHERE id = ? AND state NOT IN ('succeeded', 'failed')`,
		toMillis(now), string(result), perrors.ErrJobTerminated.Error(), id)
	if err != nil {
		return fmt.Errorf("terminate job %s: %w", id, err)
	}
	_, err = getRow(ctx, q, id)
	return err
}

// claimStatus is what the termination watcher polls.
type claimStatus struct {
	State  string         `db:"state"`
	LockID sql.NullString `db:"lock_id"`
}

func loadClaimStatus(ctx context.Context, q database.Querier, id string) (claimStatus, error) {
	var s claimStatus
	err := q.Get(ctx, &s, `SELECT state, lock_id FROM procbus_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return claimStatus{}, fmt.Errorf("%w: %s", perrors.ErrJobNotFound, id)
	}
	return s, err
}

// staleClaims lists processing jobs claimed before cutoff.
func staleClaims(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]row, error) {
	var rows []row
	err := q.Select(ctx, &rows, `SELECT `+columns+` FROM procbus_jobs j
		WHERE j.state = 'processing' AND j.started_at < ?
		ORDER BY j.started_at LIMIT ?`, toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale claims: %w", err)
	}
	return rows, nil
}
