package jobs

import (
	"math"
	"sync"

	"github.com/drblury/procbus/internal/runtime"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// execution is the claim a handler runs under.
type execution struct {
	jobID  string
	lockID string

	mu       sync.Mutex
	progress float64
}

type executionKey struct{}

func (e *execution) record(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = p
}

// failureProgress is the last reported progress, 0 if none was reported.
func (e *execution) failureProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func executionFrom(c *runtime.Context) (*execution, bool) {
	e, ok := c.Value(executionKey{}).(*execution)
	return e, ok
}

// CurrentJobID returns the id of the job c executes.
func CurrentJobID(c *runtime.Context) (string, bool) {
	e, ok := executionFrom(c)
	if !ok {
		return "", false
	}
	return e.jobID, true
}

// ReportProgress records how far the running job got, as a fraction in
// [0,1]. The value is written with the handler's transaction; if the
// handler fails it is kept as the job's final progress.
func ReportProgress(c *runtime.Context, p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return perrors.ErrProgressOutOfRange
	}
	e, ok := executionFrom(c)
	if !ok {
		return perrors.ErrNotInJob
	}
	tx, err := c.Tx()
	if err != nil {
		return err
	}
	updated, err := setProgress(c, tx, e.jobID, e.lockID, p)
	if err != nil {
		return err
	}
	if !updated {
		return perrors.ErrJobTerminated
	}
	e.record(p)
	return nil
}
