package model

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not an edge of the
// order state machine, including any change out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError marks a malformed client request. Nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// EnqueueError means the order was recorded but its job could not be queued.
// The order has been moved to failed by the time the caller sees this.
type EnqueueError struct {
	OrderID string
	Err     error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue order %s: %v", e.OrderID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// ExecutionError is returned by the external execution capability.
// Recoverable errors are retried through the queue; the rest fail the order.
type ExecutionError struct {
	Recoverable bool
	Reason      string
	Err         error
}

func (e *ExecutionError) Error() string {
	kind := "terminal"
	if e.Recoverable {
		kind = "recoverable"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s execution error: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s execution error: %s", kind, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Recoverable wraps err as a transient execution failure.
func Recoverable(reason string, err error) error {
	return &ExecutionError{Recoverable: true, Reason: reason, Err: err}
}

// Terminal wraps err as a non-retryable execution failure.
func Terminal(reason string, err error) error {
	return &ExecutionError{Recoverable: false, Reason: reason, Err: err}
}

// IsRecoverable reports whether err is an ExecutionError marked recoverable.
func IsRecoverable(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Recoverable
}

// DeliveryError means a subscriber could not accept an event and must be detached.
type DeliveryError struct {
	OrderID string
	Reason  string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to subscriber of %s: %s", e.OrderID, e.Reason)
}
