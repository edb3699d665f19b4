package flight

import (
	"errors"
	"time"
)

// Record is the durable state of one flight.
type Record struct {
	ID           string      `json:"id"`
	Class        string      `json:"class"`
	Description  string      `json:"description,omitempty"`
	SubjectID    string      `json:"subject_id,omitempty"`
	SubjectEmail string      `json:"subject_email,omitempty"`
	Inputs       *Parameters `json:"inputs"`
	Working      *Parameters `json:"working"`
	Status       Status      `json:"status"`
	StepIndex    int         `json:"step_index"`
	Direction    Direction   `json:"direction"`

	// Attempt counts failed invocations of the current step.
	Attempt        int        `json:"attempt"`
	FirstAttemptAt *time.Time `json:"first_attempt_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`

	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *ResultSummary `json:"result,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Exception   *Exception     `json:"exception,omitempty"`
	Suppressed  []*Exception   `json:"suppressed,omitempty"`
}

// IsTerminal reports whether the flight has completed.
func (r *Record) IsTerminal() bool {
	return r.CompletedAt != nil
}

// Exception is the serialized form of a step or engine error.
type Exception struct {
	Kind      ErrorKind              `json:"kind"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	Cause     string                 `json:"cause,omitempty"`
	Step      string                 `json:"step,omitempty"`
	StepIndex int                    `json:"step_index"`
	Direction Direction              `json:"direction,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Time      time.Time              `json:"time"`
}

// NewException captures err as raised by a step.
func NewException(err error, step string, index int, direction Direction, at time.Time) *Exception {
	ex := &Exception{
		Kind:      KindFatal,
		Step:      step,
		StepIndex: index,
		Direction: direction,
		Time:      at.UTC(),
	}
	var fe *Error
	if errors.As(err, &fe) {
		ex.Kind = fe.Kind
		ex.Code = fe.Code
		ex.Message = fe.Message
		ex.Details = fe.Details
		if fe.Err != nil {
			ex.Cause = fe.Err.Error()
		}
		return ex
	}
	if err != nil {
		ex.Message = err.Error()
	}
	return ex
}

// Err decodes the exception back into a classified error.
func (ex *Exception) Err() error {
	if ex == nil {
		return nil
	}
	e := &Error{
		Kind:    ex.Kind,
		Code:    ex.Code,
		Message: ex.Message,
		Details: ex.Details,
	}
	if ex.Cause != "" {
		e.Err = errors.New(ex.Cause)
	}
	return e
}
