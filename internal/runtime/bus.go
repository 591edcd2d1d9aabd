package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/procbus/internal/runtime/contract"
	"github.com/drblury/procbus/internal/runtime/database"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/logging"
)

// RawHandler handles a procedure on the wire level. payload has already
// been validated against the procedure's payload schema; the returned
// bytes are validated against its response schema.
type RawHandler func(c *Context, payload []byte) ([]byte, error)

// BusOptions configures NewBus. Everything is optional: without a DB
// contexts run hooks without a transaction, without an Outbox events only
// reach local subscribers.
type BusOptions struct {
	DB              *database.DB
	Outbox          *Outbox
	Logger          logging.ServiceLogger
	TracerProvider  trace.TracerProvider
	Metrics         *Metrics
	ErrorClassifier ErrorClassifier
}

// Bus dispatches procedures to their registered handler and events to
// their local subscribers and, after commit, to the broker.
type Bus struct {
	db       *database.DB
	outbox   *Outbox
	logger   logging.ServiceLogger
	tracer   trace.Tracer
	metrics  *Metrics
	classify ErrorClassifier

	mu          sync.RWMutex
	procedures  map[string]procedureEntry
	subscribers map[string][]subscriber
	events      map[string]contract.EventDescriptor
	nextSubID   uint64
}

type procedureEntry struct {
	desc       contract.ProcedureDescriptor
	consumerID string
	handler    RawHandler
}

type subscriber struct {
	id      uint64
	handler func(c *Context, payload any) error
}

// NewBus creates a bus. When opts.DB is set the bus takes over its commit
// hook error handler.
func NewBus(opts BusOptions) *Bus {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.ErrorClassifier == nil {
		opts.ErrorClassifier = DefaultErrorClassifier
	}
	b := &Bus{
		db:          opts.DB,
		outbox:      opts.Outbox,
		logger:      opts.Logger,
		tracer:      newTracer(opts.TracerProvider),
		metrics:     opts.Metrics,
		classify:    opts.ErrorClassifier,
		procedures:  map[string]procedureEntry{},
		subscribers: map[string][]subscriber{},
		events:      map[string]contract.EventDescriptor{},
	}
	if b.db != nil {
		b.db.SetHookErrorHandler(b.handleHookError)
	}
	return b
}

// Bus lets a *Bus stand in wherever a BusProvider is expected.
func (b *Bus) Bus() *Bus { return b }

// DB returns the database contexts bind their connection to.
func (b *Bus) DB() *database.DB { return b.db }

func (b *Bus) Logger() logging.ServiceLogger { return b.logger }

func (b *Bus) Metrics() *Metrics { return b.metrics }

func (b *Bus) Outbox() *Outbox { return b.outbox }

func (b *Bus) handleHookError(ctx context.Context, err error) {
	b.metrics.observeError(b.classify(err))
	b.logger.Error("Commit hook failed after commit", err, logging.LogFields{
		"correlation_id": correlationFromContext(ctx),
	})
}

// HandlerOption configures a registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	consumerID    string
	allowOverride bool
}

// WithConsumer registers the handler for one consumer, reachable through
// ExecSpecific.
func WithConsumer(id string) HandlerOption {
	return func(o *handlerOptions) { o.consumerID = id }
}

// AllowOverride replaces an existing handler instead of failing.
func AllowOverride() HandlerOption {
	return func(o *handlerOptions) { o.allowOverride = true }
}

// RegisterRaw registers a wire-level handler for desc.
func (b *Bus) RegisterRaw(desc contract.ProcedureDescriptor, h RawHandler, opts ...HandlerOption) error {
	if h == nil {
		return perrors.ErrHandlerRequired
	}
	if desc.Name() == "" {
		return perrors.ErrProcedureRequired
	}
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	fqn := desc.FullName(o.consumerID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.procedures[fqn]; exists && !o.allowOverride {
		return &DuplicateHandlerError{Name: fqn}
	}
	b.procedures[fqn] = procedureEntry{desc: desc, consumerID: o.consumerID, handler: h}
	b.logger.Debug("Registered procedure handler", logging.LogFields{"procedure": fqn})
	return nil
}

// Unregister removes the handler registered under fqn.
func (b *Bus) Unregister(fqn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.procedures, fqn)
}

// HasHandler reports whether something is registered under fqn.
func (b *Bus) HasHandler(fqn string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.procedures[fqn]
	return ok
}

// ProcedureInfo describes a registered handler.
type ProcedureInfo struct {
	Name       string `json:"name"`
	Interface  string `json:"interface"`
	Procedure  string `json:"procedure"`
	ConsumerID string `json:"consumerId,omitempty"`
}

// Procedures lists registered handlers ordered by fully-qualified name.
func (b *Bus) Procedures() []ProcedureInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ProcedureInfo, 0, len(b.procedures))
	for fqn, e := range b.procedures {
		out = append(out, ProcedureInfo{
			Name:       fqn,
			Interface:  e.desc.Interface(),
			Procedure:  e.desc.Name(),
			ConsumerID: e.consumerID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EventInfo describes an event the bus has seen emitted or subscribed.
type EventInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// Events lists known events ordered by name.
func (b *Bus) Events() []EventInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]EventInfo, 0, len(b.events))
	for name := range b.events {
		out = append(out, EventInfo{Name: name, Subscribers: len(b.subscribers[name])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Bus) lookup(fqn string) (procedureEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.procedures[fqn]
	return e, ok
}

// ExecName executes the handler registered under fqn with a wire payload
// and returns the validated wire response.
func (b *Bus) ExecName(c *Context, fqn string, payload []byte) ([]byte, error) {
	if c == nil {
		return nil, perrors.ErrBusRequired
	}
	entry, ok := b.lookup(fqn)
	if !ok {
		err := &NoHandlerError{Name: fqn}
		b.metrics.observeError(b.classify(err))
		return nil, err
	}

	in, err := entry.desc.Payload().ValidateJSON(payload)
	if err != nil {
		derr := &DecodeError{Name: fqn, Direction: DirectionPayload, Err: err}
		b.metrics.observeExec(fqn, 0, derr)
		b.metrics.observeError(b.classify(derr))
		return nil, derr
	}

	child, span := c.Derive(fqn, AttrProcedure.String(entry.desc.FullName("")))
	if entry.consumerID != "" {
		span.SetAttributes(AttrConsumer.String(entry.consumerID))
	}

	start := time.Now()
	out, err := callHandler(child, entry.handler, in)
	if err == nil {
		var verr error
		if out, verr = entry.desc.Response().ValidateJSON(out); verr != nil {
			err = &DecodeError{Name: fqn, Direction: DirectionResponse, Err: verr}
			b.logger.Error("Handler response violates its contract", err, logging.LogFields{
				"procedure":      fqn,
				"correlation_id": c.correlationID,
			})
		}
	}
	endSpan(span, err)
	b.metrics.observeExec(fqn, time.Since(start), err)
	if err != nil {
		b.metrics.observeError(b.classify(err))
		return nil, err
	}
	return out, nil
}

func callHandler(c *Context, h RawHandler, payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("procbus: handler panic: %v", r)
		}
	}()
	return h(c, payload)
}

func (b *Bus) subscribe(desc contract.EventDescriptor, h func(c *Context, payload any) error) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	name := desc.Name()
	b.events[name] = desc
	b.subscribers[name] = append(b.subscribers[name], subscriber{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[name]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[name] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) subscribersOf(desc contract.EventDescriptor) []subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[desc.Name()]; !ok {
		b.events[desc.Name()] = desc
	}
	return append([]subscriber(nil), b.subscribers[desc.Name()]...)
}

// emit runs the local subscribers, serializes the payload and schedules
// the broker publish on commit.
func (b *Bus) emit(c *Context, desc contract.EventDescriptor, payload any) error {
	name := desc.Name()

	var errs []error
	for _, s := range b.subscribersOf(desc) {
		child, span := c.Derive("on "+name, AttrEvent.String(name))
		err := callSubscriber(child, s.handler, payload)
		endSpan(span, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %w", perrors.ErrSubscriberFailed, name, errors.Join(errs...))
	}

	data, err := desc.Payload().Serialize(payload)
	if err != nil {
		return &DecodeError{Name: name, Direction: DirectionPayload, Err: err}
	}

	if b.outbox == nil {
		b.logger.Trace("No outbox configured, event stays local", logging.LogFields{"event": name})
		return nil
	}
	env := b.outbox.Envelope(c, desc, data)
	return c.OnCommit(func(ctx context.Context) error {
		return b.outbox.Publish(ctx, env)
	})
}

func callSubscriber(c *Context, h func(*Context, any) error, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("procbus: subscriber panic: %v", r)
		}
	}()
	return h(c, payload)
}

// BusProvider is implemented by *Bus and *Context.
type BusProvider interface {
	Bus() *Bus
}

// Register binds a typed handler to proc.
func Register[P, R any](b *Bus, proc contract.Procedure[P, R], h func(c *Context, p P) (R, error), opts ...HandlerOption) error {
	if b == nil {
		return perrors.ErrBusRequired
	}
	if h == nil {
		return perrors.ErrHandlerRequired
	}
	fqn := proc.String()
	raw := func(c *Context, payload []byte) ([]byte, error) {
		p, err := contract.Unmarshal[P](payload)
		if err != nil {
			return nil, &DecodeError{Name: fqn, Direction: DirectionPayload, Err: err}
		}
		r, err := h(c, p)
		if err != nil {
			return nil, err
		}
		out, err := contract.Marshal(r)
		if err != nil {
			return nil, &DecodeError{Name: fqn, Direction: DirectionResponse, Err: err}
		}
		return out, nil
	}
	return b.RegisterRaw(proc.Descriptor(), raw, opts...)
}

// Exec calls the default handler of proc.
func Exec[P, R any](c *Context, proc contract.Procedure[P, R], payload P) (R, error) {
	return ExecSpecific(c, proc, "", payload)
}

// ExecSpecific calls the handler consumerID registered for proc.
func ExecSpecific[P, R any](c *Context, proc contract.Procedure[P, R], consumerID string, payload P) (R, error) {
	var zero R
	if c == nil || c.bus == nil {
		return zero, perrors.ErrBusRequired
	}
	fqn := proc.Descriptor().FullName(consumerID)
	data, err := contract.Marshal(payload)
	if err != nil {
		return zero, &DecodeError{Name: fqn, Direction: DirectionPayload, Err: err}
	}
	out, err := c.bus.ExecName(c, fqn, data)
	if err != nil {
		return zero, err
	}
	r, err := contract.Unmarshal[R](out)
	if err != nil {
		return zero, &DecodeError{Name: fqn, Direction: DirectionResponse, Err: err}
	}
	return r, nil
}

// Emit delivers payload to every local subscriber of ev and, once c's
// transaction commits, to the broker. A failing subscriber fails the emit
// after all subscribers ran.
func Emit[P any](c *Context, ev contract.Event[P], payload P) error {
	if c == nil || c.bus == nil {
		return perrors.ErrBusRequired
	}
	b := c.bus
	name := ev.Name()
	ctx, span := startSpan(c.Context, b.tracer, "emit "+name, AttrEvent.String(name))
	err := b.emit(c.withContext(ctx), ev.Descriptor(), payload)
	endSpan(span, err)
	b.metrics.observeEmit(name, err)
	if err != nil {
		b.metrics.observeError(b.classify(err))
	}
	return err
}

// On subscribes h to ev until the returned func is called. Subscribers run
// synchronously inside the emitting context.
func On[P any](p BusProvider, ev contract.Event[P], h func(c *Context, payload P) error) (func(), error) {
	if p == nil || p.Bus() == nil {
		return nil, perrors.ErrBusRequired
	}
	if h == nil {
		return nil, perrors.ErrHandlerRequired
	}
	name := ev.Name()
	return p.Bus().subscribe(ev.Descriptor(), func(c *Context, payload any) error {
		typed, ok := payload.(P)
		if !ok {
			data, err := contract.Marshal(payload)
			if err != nil {
				return &DecodeError{Name: name, Direction: DirectionPayload, Err: err}
			}
			if typed, err = contract.Unmarshal[P](data); err != nil {
				return &DecodeError{Name: name, Direction: DirectionPayload, Err: err}
			}
		}
		return h(c, typed)
	}), nil
}
