package flight

import (
	"context"
	"encoding/json"
	"fmt"
)

// Step is one unit of forward and compensating work. Both methods may be
// invoked more than once for the same flight after a crash, so they must be
// idempotent or check before acting.
type Step interface {
	Do(fc *Context) StepResult
	Undo(fc *Context) StepResult
}

// StepResult is the outcome of a step invocation.
type StepResult struct {
	Status StepStatus
	Err    error
}

// Success returns a successful result.
func Success() StepResult {
	return StepResult{Status: StepSuccess}
}

// Retry returns a result asking the engine to retry the step.
func Retry(err error) StepResult {
	return StepResult{Status: StepFailureRetry, Err: err}
}

// Fatal returns a result that fails the step and starts the undo sweep.
// A nil error undoes the flight without recording a failure.
func Fatal(err error) StepResult {
	return StepResult{Status: StepFailureFatal, Err: err}
}

// ResultFromError maps an error onto a step result using its kind.
// Transient errors retry, any other error is fatal.
func ResultFromError(err error) StepResult {
	switch {
	case err == nil:
		return Success()
	case IsTransient(err):
		return Retry(err)
	default:
		return Fatal(err)
	}
}

// StepFunc adapts a pair of functions to the Step interface.
type StepFunc struct {
	DoFunc   func(fc *Context) StepResult
	UndoFunc func(fc *Context) StepResult
}

// Do implements Step.
func (s StepFunc) Do(fc *Context) StepResult {
	if s.DoFunc == nil {
		return Success()
	}
	return s.DoFunc(fc)
}

// Undo implements Step.
func (s StepFunc) Undo(fc *Context) StepResult {
	if s.UndoFunc == nil {
		return Success()
	}
	return s.UndoFunc(fc)
}

// Context is what a step sees of its flight.
type Context struct {
	ctx       context.Context
	flightID  string
	class     string
	stepName  string
	stepIndex int
	direction Direction
	inputs    Inputs
	working   *Parameters
}

// NewContext builds a step context. The engine creates one per invocation.
func NewContext(
	ctx context.Context,
	flightID, class, stepName string,
	stepIndex int,
	direction Direction,
	inputs Inputs,
	working *Parameters,
) *Context {
	if working == nil {
		working = NewParameters()
	}
	return &Context{
		ctx:       ctx,
		flightID:  flightID,
		class:     class,
		stepName:  stepName,
		stepIndex: stepIndex,
		direction: direction,
		inputs:    inputs,
		working:   working,
	}
}

// Context returns the context for blocking calls made by the step.
// It is cancelled when the engine interrupts the flight.
func (fc *Context) Context() context.Context {
	return fc.ctx
}

// Interrupted reports whether the engine asked the flight to stop.
// Steps should check it at safe points.
func (fc *Context) Interrupted() bool {
	return fc.ctx.Err() != nil
}

// FlightID returns the flight id.
func (fc *Context) FlightID() string { return fc.flightID }

// Class returns the flight class.
func (fc *Context) Class() string { return fc.class }

// StepName returns the running step's name.
func (fc *Context) StepName() string { return fc.stepName }

// StepIndex returns the running step's index.
func (fc *Context) StepIndex() int { return fc.stepIndex }

// Direction returns the current traversal direction.
func (fc *Context) Direction() Direction { return fc.direction }

// Inputs returns the flight's input parameters.
func (fc *Context) Inputs() Inputs { return fc.inputs }

// Working returns the flight's working state.
func (fc *Context) Working() *Parameters { return fc.working }

// SetResponse records the flight's response payload.
func (fc *Context) SetResponse(v interface{}) error {
	return fc.working.Put(KeyResponse, v)
}

// SetStatusCode overrides the status code reported for the flight.
func (fc *Context) SetStatusCode(code int) error {
	return fc.working.Put(KeyStatusCode, code)
}

// ResultSummary is the outcome stored with a completed flight.
type ResultSummary struct {
	Response   json.RawMessage `json:"response,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
}

// SummaryFromWorking extracts the response and status code override from working state.
func SummaryFromWorking(p *Parameters) (*ResultSummary, error) {
	summary := &ResultSummary{}
	if raw, ok := p.Raw(KeyResponse); ok {
		summary.Response = append(json.RawMessage(nil), raw...)
	}
	if _, err := p.Get(KeyStatusCode, &summary.StatusCode); err != nil {
		return nil, fmt.Errorf("invalid status code override: %w", err)
	}
	return summary, nil
}
