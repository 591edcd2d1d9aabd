package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/drblury/procbus/internal/runtime/contract"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/ids"
	"github.com/drblury/procbus/internal/runtime/logging"
	"github.com/drblury/procbus/internal/runtime/metadata"
	"github.com/drblury/procbus/transport"
)

// ContentTypeJSON is the content type of every outbox message.
const ContentTypeJSON = "application/json"

// OutboxOptions tunes commit-time publishing.
type OutboxOptions struct {
	// Prefix namespaces broker subjects, e.g. "billing".
	Prefix string
	// Capabilities of the transport behind the publisher.
	Capabilities transport.Capabilities

	// MaxRetries bounds the retries after the first publish attempt. Zero
	// means 5, a negative value disables retries.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// BreakerFailures consecutive failures open the circuit breaker for
	// BreakerTimeout. While open, events are reported lost immediately.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// OnLost is called for every event that could not be published.
	OnLost func(LostEvent)

	Logger  logging.ServiceLogger
	Metrics *Metrics
}

func (o OutboxOptions) withDefaults() OutboxOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 5 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	return o
}

// Envelope is a serialized event waiting for its transaction to commit.
type Envelope struct {
	Event    string
	Subject  string
	Payload  []byte
	Metadata metadata.Metadata
}

// LostEvent is an envelope the outbox gave up on.
type LostEvent struct {
	Envelope
	Err error
}

// Outbox publishes committed events to the broker. Publishing is
// at-least-once: a retried publish may reach the broker twice.
type Outbox struct {
	publisher message.Publisher
	opts      OutboxOptions
	breaker   *gobreaker.CircuitBreaker
	now       func() time.Time
}

// NewOutbox wraps publisher.
func NewOutbox(publisher message.Publisher, opts OutboxOptions) (*Outbox, error) {
	if publisher == nil {
		return nil, perrors.ErrPublisherRequired
	}
	opts = opts.withDefaults()
	o := &Outbox{publisher: publisher, opts: opts, now: time.Now}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "procbus-outbox",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Info("Outbox circuit breaker changed state", logging.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return o, nil
}

// Subject maps an event to its broker subject.
func (o *Outbox) Subject(desc contract.EventDescriptor) string {
	return desc.Subject(o.opts.Prefix, o.opts.Capabilities.Separator())
}

// Envelope captures payload together with the tracing and correlation
// metadata of c at emit time.
func (o *Outbox) Envelope(c *Context, desc contract.EventDescriptor, payload []byte) Envelope {
	traceID, spanID := traceIDs(c)
	md := metadata.New(
		metadata.KeyEventName, desc.Name(),
		metadata.KeyContentType, ContentTypeJSON,
		metadata.KeyEmittedAt, o.now().UTC().Format(time.RFC3339Nano),
	).
		With(metadata.KeyCorrelationID, c.CorrelationID()).
		With(metadata.KeyTraceID, traceID).
		With(metadata.KeySpanID, spanID).
		With(metadata.KeyJobID, c.JobID())

	return Envelope{
		Event:    desc.Name(),
		Subject:  o.Subject(desc),
		Payload:  payload,
		Metadata: md,
	}
}

// Publish sends env to the broker, retrying with exponential backoff.
// When all attempts fail, or the breaker is open, the event is reported
// lost and an error wrapping ErrOutboxPublishFailed is returned.
func (o *Outbox) Publish(ctx context.Context, env Envelope) error {
	if !o.opts.Capabilities.Fits(len(env.Payload)) {
		return o.lost(env, fmt.Errorf("payload of %d bytes exceeds the %s limit of %d",
			len(env.Payload), o.opts.Capabilities.Name, o.opts.Capabilities.MaxMessageSize))
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			o.opts.Metrics.ObservePublish(OutcomeRetried)
		}
		_, err := o.breaker.Execute(func() (any, error) {
			msg := message.NewMessage(ids.CreateULID(), env.Payload)
			msg.Metadata = metadata.ToWatermill(env.Metadata)
			msg.SetContext(ctx)
			return nil, o.publisher.Publish(env.Subject, msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.opts.InitialInterval
	exp.MaxInterval = o.opts.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(o.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.opts.Logger.Debug("Outbox publish failed, retrying", logging.LogFields{
				"event":   env.Event,
				"subject": env.Subject,
				"error":   err.Error(),
				"backoff": next.String(),
			})
		}),
	)
	if err != nil {
		return o.lost(env, err)
	}
	o.opts.Metrics.ObservePublish(OutcomePublished)
	return nil
}

func (o *Outbox) lost(env Envelope, cause error) error {
	err := fmt.Errorf("%w: %s to %s: %w", perrors.ErrOutboxPublishFailed, env.Event, env.Subject, cause)
	o.opts.Metrics.ObservePublish(OutcomeLost)
	o.opts.Logger.Error("Event lost after commit", err, logging.LogFields{
		"event":          env.Event,
		"subject":        env.Subject,
		"correlation_id": env.Metadata[metadata.KeyCorrelationID],
	})
	if o.opts.OnLost != nil {
		o.opts.OnLost(LostEvent{Envelope: env, Err: err})
	}
	return err
}

// Close closes the publisher.
func (o *Outbox) Close() error {
	return o.publisher.Close()
}
