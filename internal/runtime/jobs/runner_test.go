package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunProcessesJobsUntilCancelled(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Clock = nil
		o.PollInterval = 10 * time.Millisecond
		o.WorkerConcurrency = 2
	})
	handleReminders(t, f)

	var created []string
	for i := 0; i < 5; i++ {
		created = append(created, f.create(t, CreateRequest{
			Type: "invoice.remind",
			Data: data(t, reminderInput{InvoiceID: "inv"}),
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.list(t, ListQuery{State: StateSucceeded}).Total == len(created)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, len(created), f.reminders(t))
}
