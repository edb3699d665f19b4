package locks

import (
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/retry"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// UnlockClass is the flight class that force-releases locks left behind by
// another flight.
const UnlockClass = "flightdeck.unlock"

// Inputs of the unlock flight.
const (
	// KeyTargetFlightID names the flight whose locks are released.
	KeyTargetFlightID = "target_flight_id"
	// KeyResourceID limits the release to one resource. When absent every
	// lock held by the target is released.
	KeyResourceID = "resource_id"
)

// Working state of the unlock flight.
const (
	keyTargetStatus = "target_status"
	keyReleased     = "released"
)

var storeRetry = retry.Exponential{Base: 200 * time.Millisecond, Cap: 5 * time.Second, MaxRetries: 5}

// Register adds the unlock flight class to registry.
func Register(registry *flight.Registry, store Store) error {
	return registry.Register(UnlockClass, func(in flight.Inputs) (*flight.Definition, error) {
		return flight.NewDefinition(UnlockClass).
			AddStep("check-target", &checkTargetStep{store: store}, storeRetry).
			AddStep("release-locks", &releaseLocksStep{store: store}, storeRetry), nil
	})
}

// checkTargetStep refuses to proceed while the target may still be using
// its locks. Completed and parked flights are safe to unlock.
type checkTargetStep struct {
	store Store
}

func (s *checkTargetStep) Do(fc *flight.Context) flight.StepResult {
	target := fc.Inputs().GetString(KeyTargetFlightID)
	if target == "" {
		return flight.Fatal(flight.NewFatalError("target flight id is required", nil).WithCode(flight.ErrCodeInvalidInput))
	}
	if target == fc.FlightID() {
		return flight.Fatal(lockError("flight %s cannot unlock itself", target))
	}

	rec, err := s.store.GetFlight(fc.Context(), target)
	if flight.IsNotFound(err) {
		return flight.Fatal(err)
	}
	if err != nil {
		return flight.Retry(flight.NewTransientError("failed to read target flight", err))
	}
	if !rec.IsTerminal() && rec.Status != flight.StatusError {
		return flight.Fatal(lockError("flight %s is %s and may still hold its locks", target, rec.Status).
			WithDetail("target_status", string(rec.Status)))
	}
	if err := fc.Working().Put(keyTargetStatus, rec.Status); err != nil {
		return flight.Fatal(err)
	}
	return flight.Success()
}

func (s *checkTargetStep) Undo(*flight.Context) flight.StepResult {
	return flight.Success()
}

// releaseLocksStep drops the target's locks. Released locks are not
// reacquired on undo.
type releaseLocksStep struct {
	store Store
}

type unlockResponse struct {
	TargetFlightID string        `json:"target_flight_id"`
	TargetStatus   flight.Status `json:"target_status"`
	Released       int           `json:"released"`
}

func (s *releaseLocksStep) Do(fc *flight.Context) flight.StepResult {
	ctx := fc.Context()
	target := fc.Inputs().GetString(KeyTargetFlightID)

	released := 0
	if resource := fc.Inputs().GetString(KeyResourceID); resource != "" {
		ok, err := s.store.ReleaseLock(ctx, resource, target)
		if err != nil {
			return classify(err)
		}
		if ok {
			released = 1
		}
	} else {
		n, err := s.store.ReleaseLocksHeldBy(ctx, target)
		if err != nil {
			return classify(err)
		}
		released = n
	}

	var status flight.Status
	if _, err := fc.Working().Get(keyTargetStatus, &status); err != nil {
		return flight.Fatal(err)
	}
	telemetry.FromContext(ctx).WithFields(map[string]interface{}{
		"target_flight_id": target,
		"released":         released,
	}).Info("released locks")
	if err := fc.Working().Put(keyReleased, released); err != nil {
		return flight.Fatal(err)
	}
	if err := fc.SetResponse(unlockResponse{
		TargetFlightID: target,
		TargetStatus:   status,
		Released:       released,
	}); err != nil {
		return flight.Fatal(err)
	}
	return flight.Success()
}

func (s *releaseLocksStep) Undo(*flight.Context) flight.StepResult {
	return flight.Success()
}
