package jobs

import (
	"time"

	"github.com/drblury/procbus/internal/runtime"
	"github.com/drblury/procbus/internal/runtime/contract"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// Handle registers fn as the handler of jobType. The job's data is
// validated against payload and fn's return value against result; a nil
// schema accepts anything.
func Handle[P, R any](bus *runtime.Bus, jobType string, payload, result *contract.Schema, fn func(c *runtime.Context, p P) (R, error), opts ...runtime.HandlerOption) error {
	if jobType == "" {
		return perrors.ErrJobTypeRequired
	}
	return runtime.Register(bus, HandlerProcedure[P, R](jobType, payload, result), fn, opts...)
}

// CreateOption adjusts a CreateRequest built by Enqueue.
type CreateOption func(*CreateRequest)

func WithTitle(title string) CreateOption {
	return func(r *CreateRequest) { r.Title = title }
}

// WithLimitClass groups the job with others sharing ceilings.
func WithLimitClass(class string) CreateOption {
	return func(r *CreateRequest) { r.LimitClass = class }
}

// WithRetries allows up to maxRetries automatic retries, delay apart.
func WithRetries(maxRetries int, delay time.Duration) CreateOption {
	return func(r *CreateRequest) {
		r.MaxRetries = maxRetries
		seconds := int(delay / time.Second)
		r.RetryDelay = &seconds
	}
}

// WithConcurrencyLimit caps the jobs of the class in flight.
func WithConcurrencyLimit(n int) CreateOption {
	return func(r *CreateRequest) { r.ConcurrencyLimit = &n }
}

// WithRatelimit caps the starts of the class to n per period.
func WithRatelimit(n int, period time.Duration) CreateOption {
	return func(r *CreateRequest) {
		seconds := int(period / time.Second)
		r.Ratelimit = &n
		r.RatelimitPeriod = &seconds
	}
}

// WithDelayUntil keeps the job from starting before t.
func WithDelayUntil(t time.Time) CreateOption {
	return func(r *CreateRequest) { r.DelayedUntil = &t }
}

func WithTriggeredBy(identity string) CreateOption {
	return func(r *CreateRequest) { r.TriggeredBy = identity }
}

// Enqueue creates a job of jobType carrying data in c's transaction: the
// job only exists if c commits.
func Enqueue[P any](c *runtime.Context, jobType string, data P, opts ...CreateOption) (string, error) {
	raw, err := contract.Marshal(data)
	if err != nil {
		return "", err
	}
	req := CreateRequest{Type: jobType, Data: raw}
	for _, opt := range opts {
		opt(&req)
	}
	return runtime.Exec(c, CreateProcedure, req)
}
