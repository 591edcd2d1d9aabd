// Package jobs is the persistent job scheduler. Jobs live in one SQL table;
// the concurrency and rate ceilings of a limit class are computed from that
// table inside the statement that claims a job, so any number of worker
// processes can share the store.
package jobs

import (
	"database/sql"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job was created and never ran.
	StateWaiting State = "waiting"
	// StateScheduled means the job waits for a retry.
	StateScheduled State = "scheduled"
	// StateProcessing means a worker claimed the job.
	StateProcessing State = "processing"
	// StateSucceeded means the handler returned a result.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed for good or was terminated.
	StateFailed State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateScheduled, StateProcessing, StateSucceeded, StateFailed}

// Terminal reports whether no further transition happens without an
// operator.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Job is the persisted record of one unit of deferred work, plus the
// per-class figures derived at read time.
type Job struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Title            string          `json:"title"`
	LimitClass       string          `json:"limitClass"`
	State            State           `json:"state"`
	Data             json.RawMessage `json:"data,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
	DelayedUntil     *time.Time      `json:"delayedUntil,omitempty"`
	Retries          int             `json:"retries"`
	MaxRetries       int             `json:"maxRetries"`
	RetryDelay       int             `json:"retryDelay"`
	ConcurrencyLimit *int            `json:"concurrencyLimit,omitempty"`
	Ratelimit        *int            `json:"ratelimit,omitempty"`
	RatelimitPeriod  *int            `json:"ratelimitPeriod,omitempty"`
	Progress         float64         `json:"progress"`
	TriggeredBy      string          `json:"triggeredBy,omitempty"`
	LockID           string          `json:"lockId,omitempty"`

	// Concurrency counts the jobs of the class in processing or scheduled.
	Concurrency int `json:"concurrency"`
	// Rate counts the starts of the class within the last RatelimitPeriod.
	Rate int `json:"rate"`
	// NextPoll is when the class may start another job under its rate
	// limit.
	NextPoll *time.Time `json:"nextPoll,omitempty"`
}

// row mirrors the table. Timestamps are unix milliseconds.
type row struct {
	ID               string          `db:"id"`
	Type             string          `db:"type"`
	Title            string          `db:"title"`
	LimitClass       string          `db:"limit_class"`
	State            string          `db:"state"`
	Data             sql.NullString  `db:"data"`
	Result           sql.NullString  `db:"result"`
	LastError        sql.NullString  `db:"last_error"`
	CreatedAt        int64           `db:"created_at"`
	StartedAt        sql.NullInt64   `db:"started_at"`
	FinishedAt       sql.NullInt64   `db:"finished_at"`
	DelayedUntil     sql.NullInt64   `db:"delayed_until"`
	Retries          int             `db:"retries"`
	MaxRetries       int             `db:"max_retries"`
	RetryDelay       int             `db:"retry_delay"`
	ConcurrencyLimit sql.NullInt64   `db:"concurrency_limit"`
	Ratelimit        sql.NullInt64   `db:"ratelimit"`
	RatelimitPeriod  sql.NullInt64   `db:"ratelimit_period"`
	Progress         sql.NullFloat64 `db:"progress"`
	TriggeredBy      sql.NullString  `db:"triggered_by"`
	LockID           sql.NullString  `db:"lock_id"`
}

type projectedRow struct {
	row
	Concurrency int           `db:"concurrency"`
	Rate        int           `db:"rate"`
	OldestStart sql.NullInt64 `db:"oldest_start"`
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func rawJSON(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}

func (r row) toJob() Job {
	return Job{
		ID:               r.ID,
		Type:             r.Type,
		Title:            r.Title,
		LimitClass:       r.LimitClass,
		State:            State(r.State),
		Data:             rawJSON(r.Data),
		Result:           rawJSON(r.Result),
		LastError:        r.LastError.String,
		CreatedAt:        fromMillis(r.CreatedAt),
		StartedAt:        timePtr(r.StartedAt),
		FinishedAt:       timePtr(r.FinishedAt),
		DelayedUntil:     timePtr(r.DelayedUntil),
		Retries:          r.Retries,
		MaxRetries:       r.MaxRetries,
		RetryDelay:       r.RetryDelay,
		ConcurrencyLimit: intPtr(r.ConcurrencyLimit),
		Ratelimit:        intPtr(r.Ratelimit),
		RatelimitPeriod:  intPtr(r.RatelimitPeriod),
		Progress:         r.Progress.Float64,
		TriggeredBy:      r.TriggeredBy.String,
		LockID:           r.LockID.String,
	}
}

func (p projectedRow) toJob() Job {
	j := p.row.toJob()
	j.Concurrency = p.Concurrency
	j.Rate = p.Rate
	if p.Ratelimit.Valid && p.RatelimitPeriod.Valid && p.OldestStart.Valid {
		next := fromMillis(p.OldestStart.Int64 + p.RatelimitPeriod.Int64*1000)
		j.NextPoll = &next
	}
	return j
}
