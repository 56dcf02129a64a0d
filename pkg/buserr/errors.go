// Package buserr defines the error taxonomy shared by every bus component.
package buserr

import (
	"fmt"
	"time"
)

// Kind identifies one of the bus's ten error taxonomy entries.
type Kind string

const (
	KindHandlerNotFound       Kind = "handler_not_found"
	KindHandlerRaised         Kind = "handler_raised"
	KindHandlerFailed         Kind = "handler_returned_failure"
	KindCircuitOpen           Kind = "circuit_open"
	KindRetriesExhausted      Kind = "retries_exhausted"
	KindQueueOverflow         Kind = "queue_overflow"
	KindFilteredOut           Kind = "filtered_out"
	KindEventHandlerFailure   Kind = "event_handler_failure"
	KindSessionMisuse         Kind = "session_misuse"
	KindInvariantViolation    Kind = "invariant_violation"
)

// BusError is the concrete error type returned across the bus packages. It
// carries enough structure for callers to branch on Kind, inspect Details,
// and unwrap to the underlying Cause.
type BusError struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
	Details   map[string]any
	at        time.Time
}

// New creates a BusError of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *BusError {
	return &BusError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		at:      time.Now(),
	}
}

// Wrap creates a BusError of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *BusError {
	return &BusError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
		at:      time.Now(),
	}
}

func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *BusError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair of diagnostic context and returns the
// receiver for chaining.
func (e *BusError) WithDetail(key string, value any) *BusError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryable marks whether the condition that produced this error is
// expected to clear on its own (e.g. a circuit breaker that will eventually
// close again).
func (e *BusError) WithRetryable(retryable bool) *BusError {
	e.Retryable = retryable
	return e
}

// Is supports errors.Is comparisons against sentinel BusErrors built with
// just a Kind (no message), e.g. errors.Is(err, &BusError{Kind: KindCircuitOpen}).
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
