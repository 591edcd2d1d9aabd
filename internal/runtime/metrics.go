package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the bus, the outbox and the
// scheduler. A nil *Metrics records nothing.
type Metrics struct {
	execTotal     *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	emitTotal     *prometheus.CounterVec
	outboxPublish *prometheus.CounterVec
	jobsClaimed   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec
}

// Outbox publish outcomes.
const (
	OutcomePublished = "published"
	OutcomeRetried   = "retried"
	OutcomeLost      = "lost"
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbus",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procbus",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
}

// NewMetrics creates the collectors and registers them with registerer,
// defaulting to prometheus.DefaultRegisterer. Collectors that are already
// registered are reused, so building a second Metrics on the same registry
// shares the series.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		execTotal:     newCounterVec("bus", "exec_total", "Procedure executions by outcome.", "procedure", "outcome"),
		execDuration:  newHistogramVec("bus", "exec_duration_seconds", "Procedure handler latency.", "procedure"),
		emitTotal:     newCounterVec("bus", "emit_total", "Emitted events by outcome.", "event", "outcome"),
		outboxPublish: newCounterVec("outbox", "publish_total", "Commit-time broker publishes by outcome.", "outcome"),
		jobsClaimed:   newCounterVec("scheduler", "jobs_claimed_total", "Jobs claimed by the scheduler.", "type"),
		jobsFinished:  newCounterVec("scheduler", "jobs_finished_total", "Job executions by outcome.", "type", "outcome"),
		jobDuration:   newHistogramVec("scheduler", "job_duration_seconds", "Job handler latency.", "type"),
		errorsTotal:   newCounterVec("bus", "errors_total", "Errors by category.", "category"),
	}

	var err error
	if m.execTotal, err = register(registerer, m.execTotal); err != nil {
		return nil, err
	}
	if m.execDuration, err = register(registerer, m.execDuration); err != nil {
		return nil, err
	}
	if m.emitTotal, err = register(registerer, m.emitTotal); err != nil {
		return nil, err
	}
	if m.outboxPublish, err = register(registerer, m.outboxPublish); err != nil {
		return nil, err
	}
	if m.jobsClaimed, err = register(registerer, m.jobsClaimed); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = register(registerer, m.jobsFinished); err != nil {
		return nil, err
	}
	if m.jobDuration, err = register(registerer, m.jobDuration); err != nil {
		return nil, err
	}
	if m.errorsTotal, err = register(registerer, m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeExec(procedure string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.execTotal.WithLabelValues(procedure, outcomeOf(err)).Inc()
	m.execDuration.WithLabelValues(procedure).Observe(d.Seconds())
}

func (m *Metrics) observeEmit(event string, err error) {
	if m == nil {
		return
	}
	m.emitTotal.WithLabelValues(event, outcomeOf(err)).Inc()
}

func (m *Metrics) observeError(category ErrorCategory) {
	if m == nil || category == ErrorCategoryNone {
		return
	}
	m.errorsTotal.WithLabelValues(string(category)).Inc()
}

// ObservePublish counts one outbox publish attempt outcome.
func (m *Metrics) ObservePublish(outcome string) {
	if m == nil {
		return
	}
	m.outboxPublish.WithLabelValues(outcome).Inc()
}

// ObserveClaim counts a claimed job.
func (m *Metrics) ObserveClaim(jobType string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(jobType).Inc()
}

// ObserveJob records a finished execution. outcome is the job state the
// execution led to.
func (m *Metrics) ObserveJob(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}
