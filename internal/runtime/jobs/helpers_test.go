package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/internal/runtime"
	"github.com/drblury/procbus/internal/runtime/contract"
	"github.com/drblury/procbus/internal/runtime/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) add(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *hookRecorder) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *hookRecorder) hooks() runtime.JobHooks {
	return runtime.JobHooks{
		OnJobStart: func(jc runtime.JobContext) { h.add("start:" + jc.JobID) },
		OnJobDone:  func(jc runtime.JobContext) { h.add("done:" + jc.JobID) },
		OnJobError: func(jc runtime.JobContext, err error) { h.add("error:" + jc.JobID) },
		OnJobRetry: func(jc runtime.JobContext, err error, d time.Duration) { h.add("retry:" + jc.JobID) },
	}
}

type fixture struct {
	bus   *runtime.Bus
	db    *database.DB
	sched *Scheduler
	clock *fakeClock
	hooks *hookRecorder
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "jobs.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, clock: newFakeClock(), hooks: &hookRecorder{}}
	f.bus = runtime.NewBus(runtime.BusOptions{DB: db})

	opts := Options{Clock: f.clock.Now, Hooks: f.hooks.hooks()}
	for _, fn := range configure {
		fn(&opts)
	}
	f.sched, err = New(f.bus, opts)
	require.NoError(t, err)
	require.NoError(t, f.sched.Migrate(ctx))
	require.NoError(t, f.sched.Register())
	require.NoError(t, db.Migrate(ctx, `CREATE TABLE IF NOT EXISTS reminders (invoice_id TEXT NOT NULL)`))
	return f
}

func (f *fixture) run(t *testing.T, fn func(cl *Client) error) {
	t.Helper()
	require.NoError(t, f.bus.Run(context.Background(), func(c *runtime.Context) error {
		return fn(NewClient(c, ""))
	}))
}

func (f *fixture) create(t *testing.T, req CreateRequest) string {
	t.Helper()
	var id string
	f.run(t, func(cl *Client) error {
		var err error
		id, err = cl.Create(req)
		return err
	})
	return id
}

func (f *fixture) poll(t *testing.T, limit int) []string {
	t.Helper()
	var ids []string
	f.run(t, func(cl *Client) error {
		var err error
		ids, err = cl.Poll(limit)
		return err
	})
	return ids
}

func (f *fixture) execute(t *testing.T, id string) *Job {
	t.Helper()
	var j *Job
	f.run(t, func(cl *Client) error {
		var err error
		j, err = cl.Execute(id)
		return err
	})
	require.NotNil(t, j)
	return j
}

func (f *fixture) get(t *testing.T, id string) *Job {
	t.Helper()
	var j *Job
	f.run(t, func(cl *Client) error {
		var err error
		j, err = cl.Get(id)
		return err
	})
	return j
}

func (f *fixture) reminders(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(context.Background(), &n, `SELECT COUNT(*) FROM reminders`))
	return n
}

func (f *fixture) starts(t *testing.T, class string) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.Get(context.Background(), &n,
		`SELECT COUNT(*) FROM procbus_job_starts WHERE limit_class = ?`, class))
	return n
}

type reminderInput struct {
	InvoiceID string `json:"invoiceId"`
}

type reminderResult struct {
	Sent int `json:"sent"`
}

var (
	reminderSchema = contract.Struct(contract.Required("invoiceId", contract.String()))
	resultSchema   = contract.Struct(contract.Required("sent", contract.Integer()))
)

func intp(n int) *int { return &n }

func data(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := contract.Marshal(v)
	require.NoError(t, err)
	return raw
}

// handleReminders registers a handler that stores a reminder row.
func handleReminders(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, Handle(f.bus, "invoice.remind", reminderSchema, resultSchema,
		func(c *runtime.Context, in reminderInput) (reminderResult, error) {
			tx, err := c.Tx()
			if err != nil {
				return reminderResult{}, err
			}
			if _, err := tx.Exec(c, `INSERT INTO reminders (invoice_id) VALUES (?)`, in.InvoiceID); err != nil {
				return reminderResult{}, err
			}
			return reminderResult{Sent: 1}, nil
		}))
}

var errSMTP = errors.New("smtp unavailable")

func handleAlwaysFailing(t *testing.T, f *fixture, jobType string) {
	t.Helper()
	require.NoError(t, Handle(f.bus, jobType, nil, nil,
		func(c *runtime.Context, in reminderInput) (reminderResult, error) {
			if _, err := insertReminder(c, in.InvoiceID); err != nil {
				return reminderResult{}, err
			}
			return reminderResult{}, errSMTP
		}))
}

func insertReminder(c *runtime.Context, invoiceID string) (bool, error) {
	tx, err := c.Tx()
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(c, `INSERT INTO reminders (invoice_id) VALUES (?)`, invoiceID)
	return err == nil, err
}
