package errors

import sterrors "errors"

var (
	ErrBusRequired             = sterrors.New("procbus: bus is required")
	ErrDatabaseRequired        = sterrors.New("procbus: database is required")
	ErrPublisherRequired       = sterrors.New("procbus: publisher is required")
	ErrConfigRequired          = sterrors.New("procbus: configuration is required")
	ErrLoggerRequired          = sterrors.New("procbus: logger is required")
	ErrHandlerRequired         = sterrors.New("procbus: handler function is required")
	ErrProcedureRequired       = sterrors.New("procbus: procedure is required")
	ErrEventRequired           = sterrors.New("procbus: event is required")
	ErrDuplicateHandler        = sterrors.New("procbus: duplicate handler")
	ErrNoHandler               = sterrors.New("procbus: no handler registered")
	ErrDecode                  = sterrors.New("procbus: decode error")
	ErrSubscriberFailed        = sterrors.New("procbus: event subscriber failed")
	ErrContextFinished         = sterrors.New("procbus: execution context already finished")
	ErrTxDone                  = sterrors.New("procbus: transaction already finished")
	ErrJobNotFound             = sterrors.New("procbus: job not found")
	ErrInvalidJobState         = sterrors.New("procbus: invalid job state for operation")
	ErrNoEligibleJob           = sterrors.New("procbus: no eligible job")
	ErrClaimLost               = sterrors.New("procbus: job claim lost")
	ErrJobTerminated           = sterrors.New("procbus: job terminated")
	ErrOutboxPublishFailed     = sterrors.New("procbus: outbox publish failed")
	ErrUnsupportedDialect      = sterrors.New("procbus: unsupported database driver")
	ErrJobTypeRequired         = sterrors.New("procbus: job type is required")
	ErrRatelimitPeriodRequired = sterrors.New("procbus: ratelimit requires ratelimitPeriod")
	ErrProgressOutOfRange      = sterrors.New("procbus: progress must be within [0,1]")
	ErrNotInJob                = sterrors.New("procbus: execution context is not bound to a job")
)

// ConfigValidationError wraps the aggregate of configuration problems.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "procbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
