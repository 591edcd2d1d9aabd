package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobHooks_NilHooksAreSkipped(t *testing.T) {
	var hooks JobHooks
	assert.NotPanics(t, func() {
		hooks.Start(JobContext{})
		hooks.Done(JobContext{})
		hooks.Error(JobContext{}, errors.New("x"))
		hooks.Retry(JobContext{}, errors.New("x"), time.Second)
	})
}

func TestJobHooks_Merge(t *testing.T) {
	var order []string

	hooks1 := JobHooks{
		OnJobStart: func(ctx JobContext) { order = append(order, "start1") },
		OnJobDone:  func(ctx JobContext) { order = append(order, "done1") },
		OnJobError: func(ctx JobContext, err error) { order = append(order, "error1") },
		OnJobRetry: func(ctx JobContext, err error, d time.Duration) { order = append(order, "retry1") },
	}
	hooks2 := JobHooks{
		OnJobStart: func(ctx JobContext) { order = append(order, "start2") },
		OnJobDone:  func(ctx JobContext) { order = append(order, "done2") },
		OnJobError: func(ctx JobContext, err error) { order = append(order, "error2") },
		OnJobRetry: func(ctx JobContext, err error, d time.Duration) { order = append(order, "retry2") },
	}

	merged := hooks1.Merge(hooks2)
	merged.Start(JobContext{})
	merged.Done(JobContext{})
	merged.Error(JobContext{}, errors.New("x"))
	merged.Retry(JobContext{}, errors.New("x"), time.Second)

	assert.Equal(t, []string{
		"start1", "start2",
		"done1", "done2",
		"error1", "error2",
		"retry1", "retry2",
	}, order)
}

func TestJobHooks_MergePartial(t *testing.T) {
	var started, failed bool
	hooks := JobHooks{OnJobStart: func(JobContext) { started = true }}.
		Merge(JobHooks{OnJobError: func(JobContext, error) { failed = true }})

	assert.Nil(t, hooks.OnJobDone)
	assert.Nil(t, hooks.OnJobRetry)
	hooks.Start(JobContext{})
	hooks.Error(JobContext{}, errors.New("x"))
	assert.True(t, started)
	assert.True(t, failed)
}

func TestLoggingHooks(t *testing.T) {
	logger := &recordingLogger{}
	hooks := LoggingHooks(logger)

	jc := JobContext{JobID: "job-1", Type: "invoice.send", Attempt: 1}
	hooks.Start(jc)
	hooks.Retry(jc, errors.New("smtp down"), time.Minute)
	hooks.Done(jc)
	hooks.Error(jc, errors.New("gave up"))

	assert.Equal(t, []string{"Job started"}, logger.debugs)
	assert.Equal(t, []string{"Job attempt failed, retry scheduled", "Job succeeded"}, logger.infos)
	assert.Equal(t, []string{"Job failed"}, logger.Errors())
}

func TestMetricsHooks(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	hooks := MetricsHooks(m)

	jc := JobContext{Type: "invoice.send", Duration: time.Millisecond}
	hooks.Done(jc)
	hooks.Retry(jc, errors.New("x"), time.Second)
	hooks.Error(jc, errors.New("x"))

	for _, outcome := range []string{JobOutcomeSucceeded, JobOutcomeRetried, JobOutcomeFailed} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("invoice.send", outcome)), outcome)
	}
}

func TestAlertingHooks(t *testing.T) {
	var alerted error
	hooks := AlertingHooks(func(ctx JobContext, err error) { alerted = err })

	boom := errors.New("boom")
	hooks.Error(JobContext{}, boom)
	assert.Same(t, boom, alerted)
	assert.Nil(t, hooks.OnJobStart)
}
