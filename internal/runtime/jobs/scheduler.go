package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/procbus/internal/runtime"
	"github.com/drblury/procbus/internal/runtime/contract"
	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/ids"
	"github.com/drblury/procbus/internal/runtime/logging"
)

// RetryBackoff selects how the delay between automatic retries grows.
type RetryBackoff string

const (
	// BackoffFixed waits retryDelay seconds before every retry.
	BackoffFixed RetryBackoff = "fixed"
	// BackoffExponential doubles the delay with every retry, capped at
	// Options.MaxRetryDelay.
	BackoffExponential RetryBackoff = "exponential"
)

// Options tunes a Scheduler. Zero values take the defaults below.
type Options struct {
	// BatchSize bounds the claims of one poll.
	BatchSize int
	// PollInterval is the pause of Run between polls that found nothing.
	PollInterval time.Duration
	// WorkerConcurrency bounds the executions Run keeps in flight.
	WorkerConcurrency int
	// ClaimTimeout after which a processing job is considered abandoned by
	// a crashed worker. Zero disables recovery.
	ClaimTimeout time.Duration
	// TerminationCheckInterval is how often an execution checks whether its
	// job was terminated. Zero disables the check.
	TerminationCheckInterval time.Duration
	RetryBackoff             RetryBackoff
	MaxRetryDelay            time.Duration
	// DefaultRetryDelay applies when a job is created without retryDelay.
	DefaultRetryDelay time.Duration

	Hooks  runtime.JobHooks
	Logger logging.ServiceLogger
	// Clock replaces time.Now for timestamps and eligibility.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 4
	}
	if o.RetryBackoff == "" {
		o.RetryBackoff = BackoffFixed
	}
	if o.DefaultRetryDelay <= 0 {
		o.DefaultRetryDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Scheduler implements the job procedures on top of a bus and its database.
type Scheduler struct {
	bus    *runtime.Bus
	db     *database.DB
	opts   Options
	hooks  runtime.JobHooks
	logger logging.ServiceLogger
}

// New creates a scheduler. The bus must be bound to a database.
func New(bus *runtime.Bus, opts Options) (*Scheduler, error) {
	if bus == nil {
		return nil, perrors.ErrBusRequired
	}
	if bus.DB() == nil {
		return nil, perrors.ErrDatabaseRequired
	}
	switch opts.RetryBackoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return nil, fmt.Errorf("procbus: unknown retry backoff %q", opts.RetryBackoff)
	}
	opts = opts.withDefaults()
	hooks := opts.Hooks
	if m := bus.Metrics(); m != nil {
		hooks = runtime.MetricsHooks(m).Merge(hooks)
	}
	return &Scheduler{
		bus:    bus,
		db:     bus.DB(),
		opts:   opts,
		hooks:  hooks,
		logger: opts.Logger.With(logging.LogFields{"component": "scheduler"}),
	}, nil
}

// Migrate creates the job table.
func (s *Scheduler) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Migrations...)
}

// Register binds the scheduler procedures on the bus.
func (s *Scheduler) Register(opts ...runtime.HandlerOption) error {
	return errors.Join(
		runtime.Register(s.bus, PollProcedure, s.poll, opts...),
		runtime.Register(s.bus, ExecuteProcedure, s.execute, opts...),
		runtime.Register(s.bus, CreateProcedure, s.create, opts...),
		runtime.Register(s.bus, GetProcedure, s.get, opts...),
		runtime.Register(s.bus, ListProcedure, s.list, opts...),
		runtime.Register(s.bus, RetryProcedure, s.retry, opts...),
		runtime.Register(s.bus, TerminateProcedure, s.terminate, opts...),
	)
}

func (s *Scheduler) now() time.Time { return s.opts.Clock() }

func (s *Scheduler) create(c *runtime.Context, req CreateRequest) (string, error) {
	if req.Type == "" {
		return "", perrors.ErrJobTypeRequired
	}
	if req.Ratelimit != nil && req.RatelimitPeriod == nil {
		return "", perrors.ErrRatelimitPeriodRequired
	}
	retryDelay := int(s.opts.DefaultRetryDelay / time.Second)
	if req.RetryDelay != nil {
		retryDelay = *req.RetryDelay
	}
	j := Job{
		ID:               ids.CreateULID(),
		Type:             req.Type,
		Title:            req.Title,
		LimitClass:       req.LimitClass,
		State:            StateWaiting,
		Data:             req.Data,
		CreatedAt:        s.now(),
		DelayedUntil:     req.DelayedUntil,
		MaxRetries:       req.MaxRetries,
		RetryDelay:       retryDelay,
		ConcurrencyLimit: req.ConcurrencyLimit,
		Ratelimit:        req.Ratelimit,
		RatelimitPeriod:  req.RatelimitPeriod,
		TriggeredBy:      req.TriggeredBy,
	}
	if j.LimitClass == "" {
		j.LimitClass = j.Type
	}
	if j.TriggeredBy == "" {
		j.TriggeredBy = sessionIdentity(c.Session())
	}

	tx, err := c.Tx()
	if err != nil {
		return "", err
	}
	if err := insertJob(c, tx, &j); err != nil {
		return "", err
	}
	s.logger.Debug("Job created", logging.LogFields{"job_id": j.ID, "job_type": j.Type})
	return j.ID, nil
}

func sessionIdentity(session any) string {
	switch v := session.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

func (s *Scheduler) get(c *runtime.Context, req IDRequest) (*Job, error) {
	tx, err := c.Tx()
	if err != nil {
		return nil, err
	}
	return getJob(c, tx, req.ID, s.now())
}

func (s *Scheduler) list(c *runtime.Context, query ListQuery) (Page, error) {
	tx, err := c.Tx()
	if err != nil {
		return Page{}, err
	}
	return listJobs(c, tx, query, s.now())
}

func (s *Scheduler) retry(c *runtime.Context, req IDRequest) (*Job, error) {
	tx, err := c.Tx()
	if err != nil {
		return nil, err
	}
	if err := retryJob(c, tx, req.ID); err != nil {
		return nil, err
	}
	return getJob(c, tx, req.ID, s.now())
}

func (s *Scheduler) terminate(c *runtime.Context, req IDRequest) (*Job, error) {
	tx, err := c.Tx()
	if err != nil {
		return nil, err
	}
	result, err := errorResult(perrors.ErrJobTerminated)
	if err != nil {
		return nil, err
	}
	if err := terminateJob(c, tx, req.ID, s.now(), result); err != nil {
		return nil, err
	}
	return getJob(c, tx, req.ID, s.now())
}

func errorResult(err error) ([]byte, error) {
	return contract.Marshal(map[string]string{"error": err.Error()})
}

// poll recovers abandoned claims and then claims eligible jobs in the
// caller's transaction. The claims become visible to other workers when
// that transaction commits.
func (s *Scheduler) poll(c *runtime.Context, req PollRequest) (PollResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.BatchSize
	}
	tx, err := c.Tx()
	if err != nil {
		return PollResult{}, err
	}
	if err := lockClaims(c, tx); err != nil {
		return PollResult{}, err
	}
	now := s.now()
	if err := s.recoverStale(c, tx, now); err != nil {
		return PollResult{}, err
	}
	if err := pruneJobStarts(c, tx, now); err != nil {
		return PollResult{}, err
	}

	res := PollResult{Claimed: []string{}}
	for len(res.Claimed) < limit {
		cl, err := claimNext(c, tx, now, ids.NewLockID())
		if errors.Is(err, perrors.ErrNoEligibleJob) {
			break
		}
		if err != nil {
			return PollResult{}, err
		}
		s.bus.Metrics().ObserveClaim(cl.Type)
		res.Claimed = append(res.Claimed, cl.ID)
	}
	return res, nil
}

var errClaimTimedOut = errors.New("procbus: claim timed out")

func (s *Scheduler) recoverStale(c *runtime.Context, tx *database.Tx, now time.Time) error {
	if s.opts.ClaimTimeout <= 0 {
		return nil
	}
	rows, err := staleClaims(c, tx, now.Add(-s.opts.ClaimTimeout), s.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, r := range rows {
		out, err := s.settleFailure(c, tx, r, errClaimTimedOut, r.Progress.Float64, now)
		if err != nil {
			return err
		}
		s.logger.Info("Recovered abandoned job claim", logging.LogFields{"job_id": r.ID, "state": string(out.state)})
		jc := jobContext(c, r)
		if err := c.OnCommit(func(context.Context) error {
			s.fire(jc, out)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// outcome is the state a failed attempt led to.
type outcome struct {
	state State
	delay time.Duration
	cause error
}

// settleFailure records a failed attempt of the claim held in r: another
// attempt is scheduled while the retry budget lasts, otherwise the job
// fails. Contract errors fail the job right away.
func (s *Scheduler) settleFailure(ctx context.Context, q database.Querier, r row, cause error, progress float64, now time.Time) (outcome, error) {
	msg := cause.Error()
	if !runtime.IsContractError(cause) && r.Retries < r.MaxRetries {
		delay := s.retryDelay(r)
		ok, err := markRetry(ctx, q, r.ID, r.LockID.String, r.Retries+1, now.Add(delay), msg)
		if err != nil {
			return outcome{}, err
		}
		if !ok {
			return outcome{}, perrors.ErrClaimLost
		}
		return outcome{state: StateScheduled, delay: delay, cause: cause}, nil
	}

	result, err := errorResult(cause)
	if err != nil {
		return outcome{}, err
	}
	ok, err := markFailed(ctx, q, r.ID, r.LockID.String, now, progress, result, msg)
	if err != nil {
		return outcome{}, err
	}
	if !ok {
		return outcome{}, perrors.ErrClaimLost
	}
	return outcome{state: StateFailed, cause: cause}, nil
}

func (s *Scheduler) fire(jc runtime.JobContext, out outcome) {
	switch out.state {
	case StateScheduled:
		s.hooks.Retry(jc, out.cause, out.delay)
	case StateFailed:
		s.hooks.Error(jc, out.cause)
	case StateSucceeded:
		s.hooks.Done(jc)
	}
}

func (s *Scheduler) retryDelay(r row) time.Duration {
	base := time.Duration(r.RetryDelay) * time.Second
	if s.opts.RetryBackoff != BackoffExponential {
		return base
	}
	shift := r.Retries
	if shift > 30 {
		shift = 30
	}
	d := base << shift
	if s.opts.MaxRetryDelay > 0 && d > s.opts.MaxRetryDelay {
		d = s.opts.MaxRetryDelay
	}
	return d
}

func jobContext(ctx context.Context, r row) runtime.JobContext {
	return runtime.JobContext{
		JobID:      r.ID,
		Type:       r.Type,
		LimitClass: r.LimitClass,
		Attempt:    r.Retries + 1,
		Context:    ctx,
	}
}

// execute runs a claimed job in a fresh execution context. A successful
// result is written in the handler's own transaction, so the job only
// counts as succeeded if the handler's writes and events commit with it.
// A failure rolls the handler back and is recorded in a new transaction.
func (s *Scheduler) execute(c *runtime.Context, req IDRequest) (*Job, error) {
	r, err := getRow(c, s.db, req.ID)
	if err != nil {
		return nil, err
	}
	if State(r.State) != StateProcessing || !r.LockID.Valid {
		return nil, fmt.Errorf("%w: job %s is %s, not claimed", perrors.ErrInvalidJobState, r.ID, r.State)
	}
	lockID := r.LockID.String

	handlerCtx, cancel := context.WithCancelCause(c)
	defer cancel(nil)
	exec := &execution{jobID: r.ID, lockID: lockID}
	stop := s.watch(handlerCtx, r.ID, lockID, cancel)

	jc := jobContext(handlerCtx, r)
	jc.StartedAt = time.Now()
	s.hooks.Start(jc)

	data := r.Data.String
	if data == "" {
		data = "null"
	}
	runErr := s.bus.Run(context.WithValue(handlerCtx, executionKey{}, exec), func(hc *runtime.Context) error {
		out, err := s.bus.ExecName(hc, HandlerName(r.Type), []byte(data))
		if err != nil {
			return err
		}
		if cause := context.Cause(handlerCtx); cause != nil {
			return cause
		}
		tx, err := hc.Tx()
		if err != nil {
			return err
		}
		ok, err := markSucceeded(hc, tx, r.ID, lockID, s.now(), out)
		if err != nil {
			return err
		}
		if !ok {
			return perrors.ErrClaimLost
		}
		return nil
	},
		runtime.WithJobID(r.ID),
		runtime.WithCorrelationID(c.CorrelationID()),
		runtime.WithSpanName("job "+r.Type),
		runtime.WithSpanAttributes(runtime.AttrProcedure.String(HandlerName(r.Type))),
	)
	stop()
	jc.Duration = time.Since(jc.StartedAt)

	if runErr == nil {
		s.fire(jc, outcome{state: StateSucceeded})
		return getJob(c, s.db, r.ID, s.now())
	}

	var out outcome
	err = s.db.InTx(context.WithoutCancel(c), func(tx *database.Tx) error {
		cur, err := getRow(c, tx, r.ID)
		if err != nil {
			return err
		}
		if State(cur.State) != StateProcessing || cur.LockID.String != lockID {
			return perrors.ErrClaimLost
		}
		out, err = s.settleFailure(c, tx, cur, runErr, exec.failureProgress(), s.now())
		return err
	})
	switch {
	case errors.Is(err, perrors.ErrClaimLost):
		s.hooks.Error(jc, fmt.Errorf("%w: %w", perrors.ErrJobTerminated, runErr))
	case err != nil:
		return nil, fmt.Errorf("record failure of job %s: %w", r.ID, err)
	default:
		s.fire(jc, out)
	}
	return getJob(c, s.db, r.ID, s.now())
}

// watch cancels the handler's context once the job row shows that the
// claim was taken away, typically by terminate.
func (s *Scheduler) watch(ctx context.Context, id, lockID string, cancel context.CancelCauseFunc) (stop func()) {
	interval := s.opts.TerminationCheckInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			st, err := loadClaimStatus(ctx, s.db, id)
			if err != nil && !errors.Is(err, perrors.ErrJobNotFound) {
				s.logger.Debug("Termination check failed", logging.LogFields{"job_id": id, "error": err.Error()})
				continue
			}
			if err != nil || State(st.State) != StateProcessing || st.LockID.String != lockID {
				cancel(perrors.ErrJobTerminated)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
