package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/procbus/internal/runtime/contract"
	"github.com/drblury/procbus/internal/runtime/database"
	"github.com/drblury/procbus/internal/runtime/logging"
)

type testPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	failures  int
	err       error
	calls     int
}

type publishedMessage struct {
	topic string
	msg   *message.Message
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.published...)
}

func (p *testPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	infos  []string
	debugs []string
}

func (l *recordingLogger) With(logging.LogFields) logging.ServiceLogger { return l }

func (l *recordingLogger) Debug(msg string, _ logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugs = append(l.debugs, msg)
}

func (l *recordingLogger) Info(msg string, _ logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string, _ error, _ logging.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Trace(msg string, fields logging.LogFields) { l.Debug(msg, fields) }

func (l *recordingLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "bus.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx, `CREATE TABLE IF NOT EXISTS invoices (id TEXT PRIMARY KEY, amount INTEGER NOT NULL)`))
	return db
}

func countInvoices(t *testing.T, db *database.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(context.Background(), &n, `SELECT COUNT(*) FROM invoices`))
	return n
}

type busFixture struct {
	bus       *Bus
	db        *database.DB
	publisher *testPublisher
	outbox    *Outbox
	logger    *recordingLogger
	spans     *tracetest.SpanRecorder
	metrics   *Metrics
	registry  *prometheus.Registry
	lost      []LostEvent
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	f := &busFixture{
		db:        newTestDB(t),
		publisher: &testPublisher{},
		logger:    &recordingLogger{},
		spans:     tracetest.NewSpanRecorder(),
		registry:  prometheus.NewRegistry(),
	}
	var err error
	f.metrics, err = NewMetrics(f.registry)
	require.NoError(t, err)

	var mu sync.Mutex
	f.outbox, err = NewOutbox(f.publisher, OutboxOptions{
		Prefix:          "billing",
		MaxRetries:      2,
		InitialInterval: 1,
		MaxInterval:     1,
		Logger:          f.logger,
		Metrics:         f.metrics,
		OnLost: func(ev LostEvent) {
			mu.Lock()
			defer mu.Unlock()
			f.lost = append(f.lost, ev)
		},
	})
	require.NoError(t, err)

	f.bus = NewBus(BusOptions{
		DB:             f.db,
		Outbox:         f.outbox,
		Logger:         f.logger,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)),
		Metrics:        f.metrics,
	})
	return f
}

func (f *busFixture) spanNames() []string {
	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}

type invoiceInput struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

type invoiceOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type invoicePaid struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

var (
	createInvoice = contract.DefineProcedure[invoiceInput, invoiceOutput](
		"invoices", "create",
		contract.Struct(
			contract.Required("id", contract.String().MinLen(1)),
			contract.Required("amount", contract.Integer().Min(0)),
		),
		contract.Struct(
			contract.Required("id", contract.String()),
			contract.Required("status", contract.Enum("draft", "sent")),
		),
	)

	sendInvoice = contract.DefineProcedure[invoiceInput, invoiceOutput](
		"invoices", "send",
		contract.Struct(contract.Required("id", contract.String())),
		contract.Struct(
			contract.Required("id", contract.String()),
			contract.Required("status", contract.Enum("draft", "sent")),
		),
	)

	invoicesAPI = contract.MustDefineInterface("invoices", createInvoice, sendInvoice)

	invoicePaidEvent = contract.DefineEvent[invoicePaid]("invoice:paid", contract.Struct(
		contract.Required("id", contract.String()),
		contract.Required("amount", contract.Integer()),
	))
)

// insertInvoice is a handler writing through the context's transaction.
func insertInvoice(c *Context, in invoiceInput) (invoiceOutput, error) {
	tx, err := c.Tx()
	if err != nil {
		return invoiceOutput{}, err
	}
	if _, err := tx.Exec(c, `INSERT INTO invoices (id, amount) VALUES (?, ?)`, in.ID, in.Amount); err != nil {
		return invoiceOutput{}, err
	}
	return invoiceOutput{ID: in.ID, Status: "draft"}, nil
}

func contractEventRequiringCurrency() contract.Event[invoicePaid] {
	return contract.DefineEvent[invoicePaid]("invoice:refunded", contract.Struct(
		contract.Required("id", contract.String()),
		contract.Required("currency", contract.String()),
	))
}

func contractForeignProcedure() contract.Procedure[invoiceInput, invoiceOutput] {
	return contract.DefineProcedure[invoiceInput, invoiceOutput]("payments", "create", nil, nil)
}
