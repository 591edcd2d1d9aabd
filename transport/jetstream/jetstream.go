// Package jetstream provides a NATS JetStream transport. All event subjects
// live in one stream, published with the message UUID as the dedup id so an
// outbox retry never produces a second copy within the duplicate window.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/procbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStream is used when no stream name is configured.
	DefaultStream = "PROCBUS"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultDuplicates is the stream deduplication window.
	DefaultDuplicates = 2 * time.Minute

	// HeaderUUID carries the watermill message UUID.
	HeaderUUID = "Procbus-Uuid"

	fetchBatch = 10
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: transport is closed")

// Connect allows overriding the connection for testing.
var Connect = func(url string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name("procbus"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: context: %w", err)
	}
	return nc, js, nil
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), StreamName: cfg.GetJetStreamStream()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements message.Publisher and message.Subscriber on JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed chan struct{}
}

// New connects and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, js, err := Connect(cfg.URL)
	if err != nil {
		return nil, err
	}

	t := newTransport(nc, js, cfg, logger)
	if err := t.ensureStream(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(nc *nats.Conn, js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) *Transport {
	return &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   []string{t.config.StreamName + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: DefaultDuplicates,
		Replicas:   t.config.Replicas,
	}
}

func (t *Transport) ensureStream() error {
	cfg := t.streamConfig()
	if _, err := t.js.AddStream(cfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("jetstream: add stream %s: %w", cfg.Name, err)
		}
		if _, err := t.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("jetstream: update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Subject maps a topic into the stream's subject space.
func (t *Transport) Subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// ConsumerName derives a durable name; durable names may not contain dots or
// wildcards.
func (t *Transport) ConsumerName(topic string) string {
	return "procbus_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

// Publish publishes messages synchronously, waiting for the stream ack.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.Subject(topic)

	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(HeaderUUID, msg.UUID)
		header.Set(nats.MsgIdHdr, msg.UUID)

		natsMsg := &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe binds a durable pull consumer to topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.Subject(topic)
	durable := t.ConsumerName(topic)

	consumer := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumer); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumer); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	output := make(chan *message.Message)
	go t.consume(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		if ctx.Err() != nil || t.isClosed() {
			return
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				t.logger.Error("jetstream fetch failed", err, watermill.LogFields{"topic": topic})
			}
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and settles it. It returns false
// once the subscription should stop.
func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	msg := ToMessage(natsMsg)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("jetstream ack failed", err, nil)
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("jetstream nak failed", err, nil)
		}
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}
	return true
}

// ToMessage converts a JetStream message into a watermill message.
func ToMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(HeaderUUID)
	if id == "" {
		id = natsMsg.Header.Get(nats.MsgIdHdr)
	}
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == HeaderUUID || k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close unsubscribes every consumer and drops the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isClosed() {
		return nil
	}
	close(t.closed)

	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
