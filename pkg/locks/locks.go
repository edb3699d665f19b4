// Package locks provides steps that take and drop resource locks, and a
// flight class that force-releases the locks of a finished flight.
//
// A lock is held by a flight, not by a worker, so it survives crashes and
// moves with the flight when another worker claims it. Flights that take a
// lock put AcquireStep early and ReleaseStep last:
//
//	def := flight.NewDefinition("snapshot").
//	    AddStep("lock-dataset", locks.NewAcquireStep(store, locks.Input("dataset_id"), stores.LockShared), locks.ContentionRetry).
//	    AddStep("copy", copyStep, nil).
//	    AddStep("unlock-dataset", locks.NewReleaseStep(store, locks.Input("dataset_id")), nil)
//
// If a later step fails fatally, undoing the acquire step releases the lock.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/retry"
	"github.com/openfroyo/flightdeck/pkg/stores"
)

// Store is the part of the state store used by lock steps.
type Store interface {
	AcquireLock(ctx context.Context, resourceID, flightID string, mode stores.LockMode) error
	ReleaseLock(ctx context.Context, resourceID, flightID string) (bool, error)
	ReleaseLocksHeldBy(ctx context.Context, flightID string) (int, error)
	GetFlight(ctx context.Context, id string) (*flight.Record, error)
}

// ContentionRetry is a reasonable rule for acquire steps: a held lock is
// usually released within minutes.
var ContentionRetry = retry.Exponential{
	Base:       time.Second,
	Cap:        30 * time.Second,
	MaxElapsed: 10 * time.Minute,
	Jitter:     0.2,
}

// Resource names the locked resource. The id is fixed, or read from the
// flight's inputs or working state when the step runs.
type Resource struct {
	ID         string
	InputKey   string
	WorkingKey string
}

// Static returns a resource with a fixed id.
func Static(id string) Resource { return Resource{ID: id} }

// Input returns a resource whose id is the flight input under key.
func Input(key string) Resource { return Resource{InputKey: key} }

// Working returns a resource whose id is the working-state value under key.
// An earlier step must have stored it.
func Working(key string) Resource { return Resource{WorkingKey: key} }

func (r Resource) resolve(fc *flight.Context) (string, error) {
	var id string
	switch {
	case r.ID != "":
		id = r.ID
	case r.InputKey != "":
		id = fc.Inputs().GetString(r.InputKey)
	case r.WorkingKey != "":
		id = fc.Working().GetString(r.WorkingKey)
	}
	if id == "" {
		return "", flight.NewFatalError("no resource id available for lock step", nil).
			WithCode(flight.ErrCodeInvalidInput).
			WithDetail("step", fc.StepName())
	}
	return id, nil
}

// classify maps a store error onto a step result. Lock conflicts and
// unclassified store failures are retried; classified failures keep their kind.
func classify(err error) flight.StepResult {
	if err == nil {
		return flight.Success()
	}
	var fe *flight.Error
	if errors.As(err, &fe) {
		return flight.ResultFromError(err)
	}
	return flight.Retry(flight.NewTransientError("lock store unavailable", err))
}

// AcquireStep takes a lock for the running flight. Undo releases it.
type AcquireStep struct {
	store    Store
	resource Resource
	mode     stores.LockMode
}

// NewAcquireStep returns a step that locks resource in mode.
func NewAcquireStep(store Store, resource Resource, mode stores.LockMode) *AcquireStep {
	return &AcquireStep{store: store, resource: resource, mode: mode}
}

// Do implements flight.Step.
func (s *AcquireStep) Do(fc *flight.Context) flight.StepResult {
	id, err := s.resource.resolve(fc)
	if err != nil {
		return flight.Fatal(err)
	}
	return classify(s.store.AcquireLock(fc.Context(), id, fc.FlightID(), s.mode))
}

// Undo implements flight.Step.
func (s *AcquireStep) Undo(fc *flight.Context) flight.StepResult {
	id, err := s.resource.resolve(fc)
	if err != nil {
		// nothing was locked
		return flight.Success()
	}
	_, err = s.store.ReleaseLock(fc.Context(), id, fc.FlightID())
	return classify(err)
}

// ReleaseStep drops the running flight's lock. Undo does nothing: the
// acquire step's undo releases the lock if the flight is undone.
type ReleaseStep struct {
	store    Store
	resource Resource
}

// NewReleaseStep returns a step that unlocks resource.
func NewReleaseStep(store Store, resource Resource) *ReleaseStep {
	return &ReleaseStep{store: store, resource: resource}
}

// Do implements flight.Step.
func (s *ReleaseStep) Do(fc *flight.Context) flight.StepResult {
	id, err := s.resource.resolve(fc)
	if err != nil {
		return flight.Fatal(err)
	}
	_, err = s.store.ReleaseLock(fc.Context(), id, fc.FlightID())
	return classify(err)
}

// Undo implements flight.Step.
func (s *ReleaseStep) Undo(*flight.Context) flight.StepResult {
	return flight.Success()
}

func lockError(format string, args ...interface{}) *flight.Error {
	return flight.NewFatalError(fmt.Sprintf(format, args...), nil).WithCode(flight.ErrCodeLockConflict)
}
