package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/drblury/procbus/internal/runtime/errors"
	"github.com/drblury/procbus/internal/runtime/metadata"
)

func TestRegister_DuplicateHandler(t *testing.T) {
	f := newBusFixture(t)

	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	err := Register(f.bus, createInvoice, insertInvoice)
	var dup *DuplicateHandlerError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "invoices:create", dup.Name)
	assert.ErrorIs(t, err, perrors.ErrDuplicateHandler)
	assert.True(t, IsContractError(err))

	require.NoError(t, Register(f.bus, createInvoice, insertInvoice, AllowOverride()))
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice, WithConsumer("eu")))
	assert.True(t, f.bus.HasHandler("invoices:eu:create"))
}

func TestRegister_OverrideReplacesHandler(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	replaced := func(c *Context, in invoiceInput) (invoiceOutput, error) {
		return invoiceOutput{ID: in.ID, Status: "sent"}, nil
	}
	require.NoError(t, Register(f.bus, createInvoice, replaced, AllowOverride()))

	var out invoiceOutput
	err := f.bus.Run(context.Background(), func(c *Context) error {
		var err error
		out, err = Exec(c, createInvoice, invoiceInput{ID: "inv-9", Amount: 40})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, invoiceOutput{ID: "inv-9", Status: "sent"}, out)
	assert.Equal(t, 0, countInvoices(t, f.db))
}

func TestRegister_RequiresHandler(t *testing.T) {
	f := newBusFixture(t)
	assert.ErrorIs(t, Register(f.bus, createInvoice, nil), perrors.ErrHandlerRequired)
	assert.ErrorIs(t, Register(nil, createInvoice, insertInvoice), perrors.ErrBusRequired)
}

func TestExec_RoundTripsThroughSchemas(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	var out invoiceOutput
	err := f.bus.Run(context.Background(), func(c *Context) error {
		var err error
		out, err = Exec(c, createInvoice, invoiceInput{ID: "inv-1", Amount: 120})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, invoiceOutput{ID: "inv-1", Status: "draft"}, out)
	assert.Equal(t, 1, countInvoices(t, f.db))
	assert.Contains(t, f.spanNames(), "invoices:create")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.execTotal.WithLabelValues("invoices:create", "ok")))
}

func TestExec_StripsUndeclaredFields(t *testing.T) {
	f := newBusFixture(t)
	var seen []byte
	require.NoError(t, f.bus.RegisterRaw(createInvoice.Descriptor(), func(c *Context, payload []byte) ([]byte, error) {
		seen = payload
		return []byte(`{"id":"inv-1","status":"sent","internal":true}`), nil
	}))

	var out []byte
	err := f.bus.Run(context.Background(), func(c *Context) error {
		var err error
		out, err = f.bus.ExecName(c, "invoices:create", []byte(`{"id":"inv-1","amount":5,"extra":"x"}`))
		return err
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"inv-1","amount":5}`, string(seen))
	assert.JSONEq(t, `{"id":"inv-1","status":"sent"}`, string(out))
}

func TestExec_NoHandlerLeavesConnectionUntouched(t *testing.T) {
	f := newBusFixture(t)

	c := f.bus.NewContext(context.Background())
	_, err := Exec(c, createInvoice, invoiceInput{ID: "inv-1"})

	var nh *NoHandlerError
	require.ErrorAs(t, err, &nh)
	assert.Equal(t, "invoices:create", nh.Name)
	assert.ErrorIs(t, err, perrors.ErrNoHandler)
	assert.Nil(t, c.conn.tx)
	require.NoError(t, c.Finish(nil))
}

func TestExec_InvalidPayloadNeverReachesHandler(t *testing.T) {
	f := newBusFixture(t)
	called := false
	require.NoError(t, Register(f.bus, createInvoice, func(c *Context, in invoiceInput) (invoiceOutput, error) {
		called = true
		return invoiceOutput{}, nil
	}))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		_, err := Exec(c, createInvoice, invoiceInput{ID: "", Amount: -3})
		return err
	})

	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DirectionPayload, derr.Direction)
	assert.Equal(t, "invoices:create", derr.Name)
	assert.Len(t, derr.Failures(), 2)
	assert.False(t, called)
}

func TestExec_InvalidResponseIsLogged(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, func(c *Context, in invoiceInput) (invoiceOutput, error) {
		return invoiceOutput{ID: in.ID, Status: "lost"}, nil
	}))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		_, err := Exec(c, createInvoice, invoiceInput{ID: "inv-1"})
		return err
	})

	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, DirectionResponse, derr.Direction)
	assert.Contains(t, f.logger.Errors(), "Handler response violates its contract")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.errorsTotal.WithLabelValues(string(ErrorCategoryValidation))))
}

func TestExec_HandlerPanicBecomesError(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, func(c *Context, in invoiceInput) (invoiceOutput, error) {
		panic("boom")
	}))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		_, err := Exec(c, createInvoice, invoiceInput{ID: "inv-1"})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecSpecific_RoutesToConsumer(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, sendInvoice, func(c *Context, in invoiceInput) (invoiceOutput, error) {
		return invoiceOutput{ID: in.ID, Status: "draft"}, nil
	}))
	require.NoError(t, Register(f.bus, sendInvoice, func(c *Context, in invoiceInput) (invoiceOutput, error) {
		return invoiceOutput{ID: in.ID, Status: "sent"}, nil
	}, WithConsumer("mailer")))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		def, err := Exec(c, sendInvoice, invoiceInput{ID: "a"})
		require.NoError(t, err)
		assert.Equal(t, "draft", def.Status)

		specific, err := ExecSpecific(c, sendInvoice, "mailer", invoiceInput{ID: "a"})
		require.NoError(t, err)
		assert.Equal(t, "sent", specific.Status)

		_, err = ExecSpecific(c, sendInvoice, "fax", invoiceInput{ID: "a"})
		assert.ErrorIs(t, err, perrors.ErrNoHandler)
		return nil
	})
	require.NoError(t, err)
}

func TestEmit_PublishesAfterCommit(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		if _, err := Exec(c, createInvoice, invoiceInput{ID: "inv-1", Amount: 10}); err != nil {
			return err
		}
		if err := Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-1", Amount: 10}); err != nil {
			return err
		}
		assert.Empty(t, f.publisher.Messages(), "nothing is published before commit")
		return nil
	}, WithCorrelationID("corr-1"))
	require.NoError(t, err)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "billing.invoice.paid", msgs[0].topic)
	assert.JSONEq(t, `{"id":"inv-1","amount":10}`, string(msgs[0].msg.Payload))
	assert.Equal(t, "invoice:paid", msgs[0].msg.Metadata.Get(metadata.KeyEventName))
	assert.Equal(t, "corr-1", msgs[0].msg.Metadata.Get(metadata.KeyCorrelationID))
	assert.NotEmpty(t, msgs[0].msg.Metadata.Get(metadata.KeyTraceID))
	assert.Equal(t, ContentTypeJSON, msgs[0].msg.Metadata.Get(metadata.KeyContentType))
}

func TestEmit_RollbackNeverPublishes(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))
	boom := errors.New("payment declined")

	err := f.bus.Run(context.Background(), func(c *Context) error {
		if _, err := Exec(c, createInvoice, invoiceInput{ID: "inv-1", Amount: 10}); err != nil {
			return err
		}
		if err := Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-1", Amount: 10}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.publisher.Messages())
	assert.Equal(t, 0, countInvoices(t, f.db))
}

func TestEmit_RunsAllSubscribersAndAggregatesFailures(t *testing.T) {
	f := newBusFixture(t)
	var calls []string

	_, err := On(f.bus, invoicePaidEvent, func(c *Context, p invoicePaid) error {
		calls = append(calls, "first")
		return errors.New("first failed")
	})
	require.NoError(t, err)
	_, err = On(f.bus, invoicePaidEvent, func(c *Context, p invoicePaid) error {
		calls = append(calls, "second:"+p.ID)
		return nil
	})
	require.NoError(t, err)

	err = f.bus.Run(context.Background(), func(c *Context) error {
		return Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-1", Amount: 10})
	})
	require.ErrorIs(t, err, perrors.ErrSubscriberFailed)
	assert.Contains(t, err.Error(), "first failed")
	assert.Equal(t, []string{"first", "second:inv-1"}, calls)
	assert.Empty(t, f.publisher.Messages())
}

func TestOn_Unsubscribe(t *testing.T) {
	f := newBusFixture(t)
	count := 0
	unsubscribe, err := On(f.bus, invoicePaidEvent, func(c *Context, p invoicePaid) error {
		count++
		return nil
	})
	require.NoError(t, err)

	emit := func() {
		require.NoError(t, f.bus.Run(context.Background(), func(c *Context) error {
			return Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-1"})
		}))
	}

	emit()
	unsubscribe()
	unsubscribe()
	emit()

	assert.Equal(t, 1, count)
	assert.Equal(t, []EventInfo{{Name: "invoice:paid", Subscribers: 0}}, f.bus.Events())
}

func TestEmit_SubscriberWritesShareTheTransaction(t *testing.T) {
	f := newBusFixture(t)
	_, err := On(f.bus, invoicePaidEvent, func(c *Context, p invoicePaid) error {
		_, err := insertInvoice(c, invoiceInput{ID: p.ID, Amount: p.Amount})
		return err
	})
	require.NoError(t, err)

	err = f.bus.Run(context.Background(), func(c *Context) error {
		if err := Emit(c, invoicePaidEvent, invoicePaid{ID: "inv-9", Amount: 1}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 0, countInvoices(t, f.db))
}

func TestEmit_InvalidPayload(t *testing.T) {
	f := newBusFixture(t)
	strict := invoicePaidEvent
	err := f.bus.Run(context.Background(), func(c *Context) error {
		return Emit(c, strict, invoicePaid{ID: "inv-1", Amount: 1})
	})
	require.NoError(t, err)

	bad := contractEventRequiringCurrency()
	err = f.bus.Run(context.Background(), func(c *Context) error {
		return Emit(c, bad, invoicePaid{ID: "inv-1"})
	})
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "invoice:refunded", derr.Name)
}

func TestCall_ChecksInterfaceMembership(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	err := f.bus.Run(context.Background(), func(c *Context) error {
		caller := c.GetInterface(invoicesAPI, "")
		out, err := Call(caller, createInvoice, invoiceInput{ID: "inv-3", Amount: 1})
		require.NoError(t, err)
		assert.Equal(t, "inv-3", out.ID)

		other := contractForeignProcedure()
		_, err = Call(caller, other, invoiceInput{ID: "x"})
		assert.ErrorIs(t, err, perrors.ErrNoHandler)
		return nil
	})
	require.NoError(t, err)
}

func TestProcedures_Listing(t *testing.T) {
	f := newBusFixture(t)
	require.NoError(t, Register(f.bus, sendInvoice, insertInvoice, WithConsumer("mailer")))
	require.NoError(t, Register(f.bus, createInvoice, insertInvoice))

	assert.Equal(t, []ProcedureInfo{
		{Name: "invoices:create", Interface: "invoices", Procedure: "create"},
		{Name: "invoices:mailer:send", Interface: "invoices", Procedure: "send", ConsumerID: "mailer"},
	}, f.bus.Procedures())
}
