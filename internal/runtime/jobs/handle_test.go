package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/procbus/internal/runtime"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

func TestHandleRequiresType(t *testing.T) {
	f := newFixture(t)
	err := Handle(f.bus, "", nil, nil, func(*runtime.Context, reminderInput) (reminderResult, error) {
		return reminderResult{}, nil
	})
	require.ErrorIs(t, err, perrors.ErrJobTypeRequired)
}

func TestHandlerNameAddressesJobType(t *testing.T) {
	assert.Equal(t, "job:invoice.remind", HandlerName("invoice.remind"))
	f := newFixture(t)
	handleReminders(t, f)
	assert.True(t, f.bus.HasHandler(HandlerName("invoice.remind")))
}

func TestEnqueueAppliesOptions(t *testing.T) {
	f := newFixture(t)
	due := f.clock.Now().Add(time.Hour)

	var id string
	require.NoError(t, f.bus.Run(context.Background(), func(c *runtime.Context) error {
		var err error
		id, err = Enqueue(c, "invoice.remind", reminderInput{InvoiceID: "inv-3"},
			WithTitle("Remind inv-3"),
			WithLimitClass("smtp"),
			WithRetries(4, 2*time.Minute),
			WithConcurrencyLimit(2),
			WithRatelimit(10, time.Minute),
			WithDelayUntil(due),
			WithTriggeredBy("cron"),
		)
		return err
	}))

	j := f.get(t, id)
	require.NotNil(t, j)
	assert.Equal(t, "Remind inv-3", j.Title)
	assert.Equal(t, "smtp", j.LimitClass)
	assert.Equal(t, 4, j.MaxRetries)
	assert.Equal(t, 120, j.RetryDelay)
	assert.Equal(t, 2, *j.ConcurrencyLimit)
	assert.Equal(t, 10, *j.Ratelimit)
	assert.Equal(t, 60, *j.RatelimitPeriod)
	assert.True(t, j.DelayedUntil.Equal(due))
	assert.Equal(t, "cron", j.TriggeredBy)
	assert.JSONEq(t, `{"invoiceId":"inv-3"}`, string(j.Data))
}

func TestEnqueueFromJobHandler(t *testing.T) {
	f := newFixture(t)
	handleReminders(t, f)
	require.NoError(t, Handle(f.bus, "invoice.issue", nil, nil,
		func(c *runtime.Context, in reminderInput) (reminderResult, error) {
			_, err := Enqueue(c, "invoice.remind", in)
			return reminderResult{}, err
		}))

	id := f.create(t, CreateRequest{Type: "invoice.issue", Data: data(t, reminderInput{InvoiceID: "inv-5"})})
	require.Equal(t, []string{id}, f.poll(t, 0))
	require.Equal(t, StateSucceeded, f.execute(t, id).State)

	followUp := f.poll(t, 0)
	require.Len(t, followUp, 1)
	assert.Equal(t, StateSucceeded, f.execute(t, followUp[0]).State)
	assert.Equal(t, 1, f.reminders(t))
}
