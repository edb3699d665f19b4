package flight

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a flight.
type Status string

const (
	// StatusQueued means the flight is persisted without an owner, waiting
	// for any worker to claim it.
	StatusQueued Status = "QUEUED"
	// StatusReady means the flight is owned and runnable.
	StatusReady Status = "READY"
	// StatusRunning means a worker is executing the flight.
	StatusRunning Status = "RUNNING"
	// StatusWaiting means the flight is in retry backoff until its next run time.
	StatusWaiting Status = "WAITING"
	// StatusSuccess is terminal.
	StatusSuccess Status = "SUCCESS"
	// StatusError means the engine parked the flight because it could not be
	// reconstructed. Its position is preserved and it is not terminal.
	StatusError Status = "ERROR"
	// StatusFatal is terminal: the flight failed and its undo sweep finished.
	StatusFatal Status = "FATAL"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFatal
}

// IsRecoverable reports whether a flight in this status must be resumed by some worker.
func (s Status) IsRecoverable() bool {
	switch s {
	case StatusQueued, StatusReady, StatusRunning, StatusWaiting:
		return true
	default:
		return false
	}
}

// Validate checks that the status is known.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusReady, StatusRunning, StatusWaiting, StatusSuccess, StatusError, StatusFatal:
		return nil
	default:
		return fmt.Errorf("invalid flight status: %s", s)
	}
}

// String returns the string representation.
func (s Status) String() string {
	return string(s)
}

// MarshalJSON implements json.Marshaler with validation.
func (s Status) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := Status(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// RecoverableStatuses lists the statuses scanned by recovery.
func RecoverableStatuses() []Status {
	return []Status{StatusQueued, StatusReady, StatusRunning, StatusWaiting}
}

// Direction is the traversal direction of a flight.
type Direction string

const (
	// DirectionDoing walks steps forward.
	DirectionDoing Direction = "DOING"
	// DirectionUndoing walks steps backward invoking undo.
	DirectionUndoing Direction = "UNDOING"
)

// Validate checks that the direction is known.
func (d Direction) Validate() error {
	switch d {
	case DirectionDoing, DirectionUndoing:
		return nil
	default:
		return fmt.Errorf("invalid flight direction: %s", d)
	}
}

// String returns the string representation.
func (d Direction) String() string {
	return string(d)
}

// StepStatus is the outcome of one step invocation.
type StepStatus string

const (
	StepSuccess      StepStatus = "SUCCESS"
	StepFailureRetry StepStatus = "FAILURE_RETRY"
	StepFailureFatal StepStatus = "FAILURE_FATAL"
)
