package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/internal/runtime/contract"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/metadata"
	"github.com/drblury/procbus/transport"
)

func TestNewOutbox_RequiresPublisher(t *testing.T) {
	_, err := NewOutbox(nil, OutboxOptions{})
	assert.ErrorIs(t, err, perrors.ErrPublisherRequired)
}

func TestOutbox_SubjectUsesTransportSeparator(t *testing.T) {
	ev := contract.DefineEvent[invoicePaid]("invoice:paid", nil)

	o, err := NewOutbox(&testPublisher{}, OutboxOptions{Prefix: "billing", Capabilities: transport.AWSCapabilities})
	require.NoError(t, err)
	assert.Equal(t, "billing_invoice_paid", o.Subject(ev.Descriptor()))

	o, err = NewOutbox(&testPublisher{}, OutboxOptions{})
	require.NoError(t, err)
	assert.Equal(t, "invoice.paid", o.Subject(ev.Descriptor()))
}

func TestOutbox_RetriesTransientFailures(t *testing.T) {
	pub := &testPublisher{failures: 2}
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	o, err := NewOutbox(pub, OutboxOptions{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Metrics: m})
	require.NoError(t, err)

	env := Envelope{Event: "invoice:paid", Subject: "invoice.paid", Payload: []byte(`{}`), Metadata: metadata.New(metadata.KeyEventName, "invoice:paid")}
	require.NoError(t, o.Publish(context.Background(), env))

	assert.Equal(t, 3, pub.Calls())
	require.Len(t, pub.Messages(), 1)
	assert.Len(t, pub.Messages()[0].msg.UUID, 26)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxPublish.WithLabelValues(OutcomeRetried)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxPublish.WithLabelValues(OutcomePublished)))
}

func TestOutbox_ReportsLostEvents(t *testing.T) {
	pub := &testPublisher{failures: 100}
	var lost []LostEvent
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	o, err := NewOutbox(pub, OutboxOptions{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Metrics:         m,
		OnLost:          func(ev LostEvent) { lost = append(lost, ev) },
	})
	require.NoError(t, err)

	err = o.Publish(context.Background(), Envelope{Event: "invoice:paid", Subject: "invoice.paid", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, perrors.ErrOutboxPublishFailed)
	assert.Equal(t, 2, pub.Calls())
	require.Len(t, lost, 1)
	assert.Equal(t, "invoice:paid", lost[0].Event)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxPublish.WithLabelValues(OutcomeLost)))
}

func TestOutbox_OpenBreakerFailsFast(t *testing.T) {
	pub := &testPublisher{failures: 100}
	o, err := NewOutbox(pub, OutboxOptions{
		MaxRetries:      -1,
		BreakerFailures: 2,
		BreakerTimeout:  time.Hour,
	})
	require.NoError(t, err)

	env := Envelope{Event: "invoice:paid", Subject: "invoice.paid", Payload: []byte(`{}`)}
	for i := 0; i < 2; i++ {
		require.Error(t, o.Publish(context.Background(), env))
	}
	calls := pub.Calls()

	err = o.Publish(context.Background(), env)
	require.ErrorIs(t, err, perrors.ErrOutboxPublishFailed)
	assert.Equal(t, calls, pub.Calls(), "open breaker must not reach the broker")
}

func TestOutbox_OversizedPayloadIsLost(t *testing.T) {
	pub := &testPublisher{}
	o, err := NewOutbox(pub, OutboxOptions{Capabilities: transport.Capabilities{Name: "tiny", MaxMessageSize: 4}})
	require.NoError(t, err)

	err = o.Publish(context.Background(), Envelope{Event: "invoice:paid", Payload: []byte(`{"id":"x"}`)})
	require.ErrorIs(t, err, perrors.ErrOutboxPublishFailed)
	assert.Zero(t, pub.Calls())
}

func TestOutbox_DeliversThroughGoChannel(t *testing.T) {
	logger := watermill.NopLogger{}
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, logger)
	t.Cleanup(func() { _ = pubSub.Close() })

	messages, err := pubSub.Subscribe(context.Background(), "billing.invoice.paid")
	require.NoError(t, err)

	o, err := NewOutbox(pubSub, OutboxOptions{Prefix: "billing", Capabilities: transport.ChannelCapabilities})
	require.NoError(t, err)
	bus := NewBus(BusOptions{Outbox: o})

	err = bus.Run(context.Background(), func(c *Context) error {
		return Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-1", Amount: 3})
	}, WithJobID("job-1"))
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.JSONEq(t, `{"id":"inv-1","amount":3}`, string(msg.Payload))
		assert.Equal(t, "job-1", msg.Metadata.Get(metadata.KeyJobID))
		_, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(metadata.KeyEmittedAt))
		assert.NoError(t, err)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}
