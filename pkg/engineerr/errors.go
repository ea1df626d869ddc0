// Package engineerr defines the engine's error taxonomy.
//
// Every failure inside the execution pipeline is either retryable (the
// broker should redeliver the message) or non-retryable (the message is
// dead-lettered immediately). The classification is carried on the error
// itself and mapped to an ack decision exactly once, at the broker boundary.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindRetryable marks transient faults: lock contention, transient
	// DB/broker errors, unexpected orchestration failures.
	KindRetryable Kind = "retryable"
	// KindNonRetryable marks permanent faults: missing instance, unknown
	// action, malformed definition, unknown destination.
	KindNonRetryable Kind = "non_retryable"
)

// Error is the engine's standard error. Op names the failing operation,
// Message is human-readable, Cause is the wrapped underlying error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can use errors.Is against sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Retryable builds a retryable error.
func Retryable(op, message string, cause error) *Error {
	return &Error{Kind: KindRetryable, Op: op, Message: message, Cause: cause}
}

// Retryablef builds a retryable error with a formatted message.
func Retryablef(op string, format string, args ...any) *Error {
	return &Error{Kind: KindRetryable, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NonRetryable builds a non-retryable error.
func NonRetryable(op, message string, cause error) *Error {
	return &Error{Kind: KindNonRetryable, Op: op, Message: message, Cause: cause}
}

// NonRetryablef builds a non-retryable error with a formatted message.
func NonRetryablef(op string, format string, args ...any) *Error {
	return &Error{Kind: KindNonRetryable, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is classified retryable. Unclassified
// errors are treated as retryable: an unknown failure gets redelivered a
// bounded number of times before the broker dead-letters it.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindRetryable
	}
	return err != nil
}

// IsNonRetryable reports whether err is classified non-retryable.
func IsNonRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNonRetryable
	}
	return false
}
