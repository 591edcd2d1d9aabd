package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/procbus/internal/runtime/contract"
	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// Direction tells whether a decode error concerns the input or the output of
// a call.
type Direction string

const (
	DirectionPayload  Direction = "payload"
	DirectionResponse Direction = "response"
)

// DecodeError reports a payload or response that does not satisfy its
// schema. Response errors mean a handler disagrees with its own contract.
type DecodeError struct {
	Name      string
	Direction Direction
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("procbus: invalid %s for %s: %v", e.Direction, e.Name, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{perrors.ErrDecode, e.Err} }

// Failures returns the individual schema violations, if known.
func (e *DecodeError) Failures() []contract.Failure {
	var verr *contract.ValidationError
	if errors.As(e.Err, &verr) {
		return verr.Failures
	}
	return nil
}

// NoHandlerError is returned by exec when nothing is registered under Name.
type NoHandlerError struct {
	Name string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("procbus: no handler registered for %s", e.Name)
}

func (e *NoHandlerError) Unwrap() error { return perrors.ErrNoHandler }

// DuplicateHandlerError is returned when registering an existing name
// without AllowOverride.
type DuplicateHandlerError struct {
	Name string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("procbus: duplicate handler for %s", e.Name)
}

func (e *DuplicateHandlerError) Unwrap() error { return perrors.ErrDuplicateHandler }

// IsContractError reports whether err is a contract violation. Contract
// errors are never retried.
func IsContractError(err error) bool {
	return errors.Is(err, perrors.ErrDecode) ||
		errors.Is(err, perrors.ErrNoHandler) ||
		errors.Is(err, perrors.ErrDuplicateHandler)
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps an error to a metrics label.
type ErrorClassifier func(error) ErrorCategory

// DefaultErrorClassifier treats contract violations as validation errors,
// outbox failures as transport errors and cancellations as downstream.
func DefaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case IsContractError(err):
		return ErrorCategoryValidation
	case errors.Is(err, perrors.ErrOutboxPublishFailed):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
