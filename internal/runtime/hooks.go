package runtime

import (
	"context"
	"time"

	"github.com/drblury/procbus/internal/runtime/logging"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// JobID is the id of the executed job.
	JobID string
	// Type is the job type, which selects the handler.
	Type string
	// LimitClass is the class concurrency and rate ceilings apply to.
	LimitClass string
	// Attempt counts executions of this job, starting at 1.
	Attempt int
	// Context is the execution context of the handler.
	Context context.Context
	// StartedAt is when the execution started.
	StartedAt time.Time
	// Duration is how long the handler took (only set after it returned).
	Duration time.Duration
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called once the job succeeded.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the job failed for good: its retries are
	// exhausted, the error was not retryable or it was terminated.
	OnJobError func(ctx JobContext, err error)

	// OnJobRetry is called when a failed attempt was rescheduled to run
	// again after delay.
	OnJobRetry func(ctx JobContext, err error, delay time.Duration)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
		OnJobRetry: chainRetry(h.OnJobRetry, other.OnJobRetry),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainRetry(a, b func(JobContext, error, time.Duration)) func(JobContext, error, time.Duration) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error, delay time.Duration) {
		a(ctx, err, delay)
		b(ctx, err, delay)
	}
}

// Start invokes OnJobStart if set.
func (h JobHooks) Start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

// Done invokes OnJobDone if set.
func (h JobHooks) Done(ctx JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

// Error invokes OnJobError if set.
func (h JobHooks) Error(ctx JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(ctx, err)
	}
}

// Retry invokes OnJobRetry if set.
func (h JobHooks) Retry(ctx JobContext, err error, delay time.Duration) {
	if h.OnJobRetry != nil {
		h.OnJobRetry(ctx, err, delay)
	}
}

func jobFields(ctx JobContext) logging.LogFields {
	return logging.LogFields{
		"job_id":      ctx.JobID,
		"job_type":    ctx.Type,
		"limit_class": ctx.LimitClass,
		"attempt":     ctx.Attempt,
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", jobFields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job succeeded", fields)
		},
		OnJobError: func(ctx JobContext, err error) {
			fields := jobFields(ctx)
			fields["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, fields)
		},
		OnJobRetry: func(ctx JobContext, err error, delay time.Duration) {
			fields := jobFields(ctx)
			fields["error"] = err.Error()
			fields["retry_in"] = delay.String()
			logger.Info("Job attempt failed, retry scheduled", fields)
		},
	}
}

// Job outcomes reported by MetricsHooks.
const (
	JobOutcomeSucceeded = "succeeded"
	JobOutcomeFailed    = "failed"
	JobOutcomeRetried   = "retried"
)

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(m *Metrics) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			m.ObserveJob(ctx.Type, JobOutcomeSucceeded, ctx.Duration)
		},
		OnJobError: func(ctx JobContext, err error) {
			m.ObserveJob(ctx.Type, JobOutcomeFailed, ctx.Duration)
		},
		OnJobRetry: func(ctx JobContext, err error, delay time.Duration) {
			m.ObserveJob(ctx.Type, JobOutcomeRetried, ctx.Duration)
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on final job
// failures.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
