package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/procbus/internal/runtime/contract"
	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/ids"
)

// conn is the transactional connection owned by one execution context and
// shared with every context derived from it. The transaction is opened on
// first use; hooks registered before that are kept here and handed over
// when it begins.
type conn struct {
	db          *database.DB
	onHookError database.HookErrorHandler

	mu         sync.Mutex
	tx         *database.Tx
	onCommit   []database.CommitHook
	onRollback []database.RollbackHook
	finished   bool
}

func (cn *conn) begin(ctx context.Context) (*database.Tx, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.beginLocked(ctx)
}

func (cn *conn) beginLocked(ctx context.Context) (*database.Tx, error) {
	if cn.finished {
		return nil, perrors.ErrContextFinished
	}
	if cn.tx != nil {
		return cn.tx, nil
	}
	if cn.db == nil {
		return nil, perrors.ErrDatabaseRequired
	}
	tx, err := cn.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	for _, hook := range cn.onCommit {
		tx.OnCommit(hook)
	}
	for _, hook := range cn.onRollback {
		tx.OnRollback(hook)
	}
	cn.onCommit, cn.onRollback = nil, nil
	cn.tx = tx
	return tx, nil
}

func (cn *conn) addCommitHook(hook database.CommitHook) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.finished {
		return perrors.ErrContextFinished
	}
	if cn.tx != nil {
		cn.tx.OnCommit(hook)
		return nil
	}
	cn.onCommit = append(cn.onCommit, hook)
	return nil
}

func (cn *conn) addRollbackHook(hook database.RollbackHook) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.finished {
		return perrors.ErrContextFinished
	}
	if cn.tx != nil {
		cn.tx.OnRollback(hook)
		return nil
	}
	cn.onRollback = append(cn.onRollback, hook)
	return nil
}

// savepoint runs fn inside a savepoint of the transaction. Without a
// database only the hook bookkeeping is rolled back.
func (cn *conn) savepoint(ctx context.Context, fn func() error) error {
	cn.mu.Lock()
	if cn.db != nil {
		tx, err := cn.beginLocked(ctx)
		cn.mu.Unlock()
		if err != nil {
			return err
		}
		return tx.Savepoint(ctx, fn)
	}
	if cn.finished {
		cn.mu.Unlock()
		return perrors.ErrContextFinished
	}
	commitMark, rollbackMark := len(cn.onCommit), len(cn.onRollback)
	cn.mu.Unlock()

	if err := fn(); err != nil {
		cn.mu.Lock()
		undone := append([]database.RollbackHook(nil), cn.onRollback[rollbackMark:]...)
		cn.onCommit = cn.onCommit[:commitMark]
		cn.onRollback = cn.onRollback[:rollbackMark]
		cn.mu.Unlock()
		for _, hook := range undone {
			hook(ctx)
		}
		return err
	}
	return nil
}

// finish commits when cause is nil and rolls back otherwise. The returned
// error is cause, joined with a rollback failure, or the commit failure.
func (cn *conn) finish(ctx context.Context, cause error) error {
	cn.mu.Lock()
	if cn.finished {
		cn.mu.Unlock()
		return perrors.ErrContextFinished
	}
	cn.finished = true
	tx := cn.tx
	onCommit, onRollback := cn.onCommit, cn.onRollback
	cn.onCommit, cn.onRollback = nil, nil
	cn.mu.Unlock()

	if tx != nil {
		if cause != nil {
			if err := tx.Rollback(); err != nil {
				return fmt.Errorf("%w (rollback: %v)", cause, err)
			}
			return cause
		}
		return tx.Commit(ctx)
	}

	// Nothing touched the database: settle the hooks directly.
	if cause != nil {
		for _, hook := range onRollback {
			hook(context.Background())
		}
		return cause
	}
	hookCtx := context.WithoutCancel(ctx)
	for i, hook := range onCommit {
		if err := runCommitHook(hookCtx, hook); err != nil && cn.onHookError != nil {
			cn.onHookError(hookCtx, &database.HookError{Index: i, Err: err})
		}
	}
	return nil
}

func runCommitHook(ctx context.Context, hook database.CommitHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx)
}

// Context is the execution context of one request or job execution. It
// carries a context.Context with the current span, the transactional
// connection and the identity of the caller. Contexts returned by Derive
// share the connection; only the root context finishes it.
type Context struct {
	context.Context

	bus           *Bus
	conn          *conn
	span          trace.Span
	root          bool
	session       any
	jobID         string
	correlationID string
}

// ContextOption configures a new root Context.
type ContextOption func(*contextOptions)

type contextOptions struct {
	session       any
	jobID         string
	correlationID string
	spanName      string
	attrs         []attribute.KeyValue
}

// WithSession attaches the caller identity, e.g. the authenticated user.
func WithSession(session any) ContextOption {
	return func(o *contextOptions) { o.session = session }
}

// WithJobID marks the context as the execution of a job.
func WithJobID(id string) ContextOption {
	return func(o *contextOptions) { o.jobID = id }
}

// WithCorrelationID overrides the generated correlation id propagated to
// broker messages.
func WithCorrelationID(id string) ContextOption {
	return func(o *contextOptions) { o.correlationID = id }
}

// WithSpanName names the root span, "procbus.context" by default.
func WithSpanName(name string) ContextOption {
	return func(o *contextOptions) { o.spanName = name }
}

// WithSpanAttributes adds attributes to the root span.
func WithSpanAttributes(attrs ...attribute.KeyValue) ContextOption {
	return func(o *contextOptions) { o.attrs = append(o.attrs, attrs...) }
}

// NewContext opens an execution context. The caller must call Finish.
func (b *Bus) NewContext(ctx context.Context, opts ...ContextOption) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	o := contextOptions{spanName: "procbus.context"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.correlationID == "" {
		o.correlationID = ids.CreateULID()
	}
	attrs := append([]attribute.KeyValue{AttrCorrelationID.String(o.correlationID)}, o.attrs...)
	if o.jobID != "" {
		attrs = append(attrs, AttrJobID.String(o.jobID))
	}
	spanCtx, span := startSpan(ctx, b.tracer, o.spanName, attrs...)

	c := &Context{
		bus:           b,
		conn:          &conn{db: b.db, onHookError: b.handleHookError},
		span:          span,
		root:          true,
		session:       o.session,
		jobID:         o.jobID,
		correlationID: o.correlationID,
	}
	c.Context = context.WithValue(spanCtx, contextKey{}, c)
	return c
}

type contextKey struct{}

// FromContext returns the execution context ctx was derived from.
func FromContext(ctx context.Context) (*Context, bool) {
	if c, ok := ctx.(*Context); ok {
		return c, true
	}
	c, ok := ctx.Value(contextKey{}).(*Context)
	return c, ok
}

func correlationFromContext(ctx context.Context) string {
	if c, ok := FromContext(ctx); ok {
		return c.correlationID
	}
	return ""
}

// Run executes fn in a fresh execution context and finishes it with fn's
// result: the transaction commits when fn returns nil and rolls back
// otherwise. A panic in fn rolls back and is returned as an error.
func (b *Bus) Run(ctx context.Context, fn func(c *Context) error, opts ...ContextOption) (err error) {
	c := b.NewContext(ctx, opts...)
	defer func() {
		if r := recover(); r != nil {
			err = c.Finish(fmt.Errorf("procbus: panic: %v", r))
		}
	}()
	return c.Finish(fn(c))
}

// Bus returns the bus the context dispatches through.
func (c *Context) Bus() *Bus { return c.bus }

// Session returns the identity attached with WithSession.
func (c *Context) Session() any { return c.session }

// JobID returns the id of the job being executed, if any.
func (c *Context) JobID() string { return c.jobID }

// CorrelationID identifies the originating request across broker hops.
func (c *Context) CorrelationID() string { return c.correlationID }

// Span returns the span of this context.
func (c *Context) Span() trace.Span { return c.span }

// Tx returns the transaction bound to the context, beginning it on first
// use.
func (c *Context) Tx() (*database.Tx, error) {
	return c.conn.begin(c)
}

// OnCommit registers fn to run once the context's transaction committed.
// It never runs after a rollback.
func (c *Context) OnCommit(fn database.CommitHook) error {
	return c.conn.addCommitHook(fn)
}

// OnRollback registers fn to run when the context's work is rolled back.
func (c *Context) OnRollback(fn database.RollbackHook) error {
	return c.conn.addRollbackHook(fn)
}

// Finish commits the connection when err is nil and rolls it back
// otherwise, then ends the span. It returns err, or the commit failure.
// Derived contexts do not own the connection: Finish only ends their span.
func (c *Context) Finish(err error) error {
	if !c.root {
		endSpan(c.span, err)
		return err
	}
	result := c.conn.finish(c, err)
	endSpan(c.span, result)
	return result
}

// Derive returns a child context sharing the connection, with a child span
// named name. The caller ends the span.
func (c *Context) Derive(name string, attrs ...attribute.KeyValue) (*Context, trace.Span) {
	ctx, span := startSpan(c.Context, c.bus.tracer, name, attrs...)
	child := *c
	child.Context = ctx
	child.span = span
	child.root = false
	return &child, span
}

// withContext returns a copy bound to ctx, keeping span and ownership.
func (c *Context) withContext(ctx context.Context) *Context {
	cp := *c
	cp.Context = ctx
	cp.root = false
	return &cp
}

// Savepoint runs fn as a nested speculative operation. When fn fails only
// its writes and the hooks it registered are rolled back, and fn's error
// is returned.
func (c *Context) Savepoint(fn func(c *Context) error) error {
	return c.conn.savepoint(c, func() error { return fn(c) })
}

// Caller invokes the procedures of one interface, optionally routed to a
// specific consumer.
type Caller struct {
	ctx        *Context
	iface      contract.Interface
	consumerID string
}

// GetInterface returns a caller for iface. An empty consumerID targets the
// default handlers.
func (c *Context) GetInterface(iface contract.Interface, consumerID string) *Caller {
	return &Caller{ctx: c, iface: iface, consumerID: consumerID}
}

func (cl *Caller) Interface() contract.Interface { return cl.iface }
func (cl *Caller) ConsumerID() string            { return cl.consumerID }
func (cl *Caller) Context() *Context             { return cl.ctx }

// Call executes proc through cl. proc must be declared by the caller's
// interface.
func Call[P, R any](cl *Caller, proc contract.Procedure[P, R], payload P) (R, error) {
	var zero R
	if cl == nil || cl.ctx == nil {
		return zero, perrors.ErrBusRequired
	}
	if d, ok := cl.iface.Lookup(proc.Name()); !ok || d.Interface() != proc.Interface() {
		return zero, &NoHandlerError{Name: proc.Descriptor().FullName(cl.consumerID)}
	}
	return ExecSpecific(cl.ctx, proc, cl.consumerID, payload)
}
