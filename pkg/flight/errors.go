// Package flight defines the data model shared by every part of the flight
// engine: statuses, step authoring, parameter bags, flight definitions and
// the error taxonomy carried across process restarts.
package flight

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for retry, undo and caller handling.
type ErrorKind string

const (
	// KindTransient marks a failure expected to succeed on retry.
	// Examples: network blips, quota exhaustion, lock contention.
	KindTransient ErrorKind = "transient"

	// KindFatal marks a domain failure that triggers the undo sweep.
	// Examples: violated preconditions, validation failures.
	KindFatal ErrorKind = "fatal"

	// KindInternal marks an engine failure. Flight state is not advanced.
	// Examples: store unreachable, corrupt serialized state, lost ownership.
	KindInternal ErrorKind = "internal"

	// KindUnauthorized is returned when a principal may not access a job.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindNotFound is returned when a flight does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindShutdown is returned while the process is draining or stopped.
	// Callers should not retry against the same process.
	KindShutdown ErrorKind = "shutdown"

	// KindConflict marks a request that contradicts the current flight state.
	KindConflict ErrorKind = "conflict"

	// KindInvalidResult marks a completed flight whose result cannot be decoded.
	KindInvalidResult ErrorKind = "invalid_result"
)

// Error is a classified error. It survives serialization into the flight
// record, so a decoded Error still matches errors.Is against its sentinel.
type Error struct {
	// Kind is the classification used by the engine and callers.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// FlightID is the flight involved, if any.
	FlightID string `json:"flight_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details holds additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.FlightID != "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %s (flight=%s): %s", e.Kind, e.Message, e.FlightID, e.Err.Error())
		}
		return fmt.Sprintf("[%s] %s (flight=%s)", e.Kind, e.Message, e.FlightID)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so that sentinels compare equal to decoded errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NewFatalError creates a fatal domain error.
func NewFatalError(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, Err: err}
}

// NewInternalError creates an engine-internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error for a flight.
func NewNotFoundError(flightID string) *Error {
	return &Error{Kind: KindNotFound, Message: "flight not found", Code: ErrCodeNotFound, FlightID: flightID}
}

// NewUnauthorizedError creates an authorization error for a flight.
func NewUnauthorizedError(flightID string) *Error {
	return &Error{Kind: KindUnauthorized, Message: "not authorized to access job", Code: ErrCodePermissionDenied, FlightID: flightID}
}

// NewShutdownError creates a shutdown-in-progress error.
func NewShutdownError(message string) *Error {
	return &Error{Kind: KindShutdown, Message: message, Code: ErrCodeShutdown}
}

// NewConflictError creates a state conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Kind: KindConflict, Message: message, Code: ErrCodeConflict, Err: err}
}

// NewInvalidResultError reports a completed flight whose outcome cannot be decoded.
func NewInvalidResultError(flightID, message string) *Error {
	return &Error{Kind: KindInvalidResult, Message: message, Code: ErrCodeInvalidResult, FlightID: flightID}
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithFlight sets the flight id.
func (e *Error) WithFlight(flightID string) *Error {
	e.FlightID = flightID
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsFatal reports whether err is classified as a fatal domain error.
func IsFatal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindFatal
}

// IsInternal reports whether err is an engine-internal error.
func IsInternal(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsUnauthorized reports whether err is an authorization error.
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

// IsShutdown reports whether err signals a draining or stopped process.
func IsShutdown(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindShutdown
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsInvalidResult reports whether err marks an undecodable flight outcome.
func IsInvalidResult(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindInvalidResult
}

// Common error codes.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeShutdown         = "SHUTDOWN_IN_PROGRESS"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeOwnershipLost    = "OWNERSHIP_LOST"
	ErrCodeUnknownClass     = "UNKNOWN_FLIGHT_CLASS"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeStepPanic        = "STEP_PANIC"
	ErrCodeLockConflict     = "LOCK_CONFLICT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeInvalidResult    = "INVALID_RESULT_STATE"
	ErrCodeInvalidInput     = "INVALID_INPUT"
)

// ErrOwnershipLost is returned when a checkpoint finds another worker owns the flight.
var ErrOwnershipLost = &Error{Kind: KindInternal, Message: "flight ownership lost", Code: ErrCodeOwnershipLost}
