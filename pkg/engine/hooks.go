package engine

import (
	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// HookContext identifies the flight and step a hook fires for.
type HookContext struct {
	FlightID       string
	Class          string
	ParentFlightID string
	Status         flight.Status
	Step           string
	StepIndex      int
	Direction      flight.Direction
	Attempt        int
}

// Hook observes flight and step transitions. Hooks run synchronously on the
// flight's goroutine and must not block.
type Hook interface {
	StartFlight(hc HookContext)
	StartStep(hc HookContext)
	EndStep(hc HookContext, result flight.StepResult)
	EndFlight(hc HookContext)
}

// LoggingHook writes one structured line per transition.
type LoggingHook struct {
	logger *telemetry.Logger
}

// NewLoggingHook returns a hook logging through logger.
func NewLoggingHook(logger *telemetry.Logger) *LoggingHook {
	return &LoggingHook{logger: logger.NewComponentLogger("flight")}
}

func (h *LoggingHook) flightLogger(hc HookContext, operation string) *telemetry.Logger {
	l := h.logger.WithFlight(hc.FlightID, hc.Class).WithField("operation", operation)
	if hc.ParentFlightID != "" {
		l = l.WithField("parent_flight_id", hc.ParentFlightID)
	}
	return l
}

func (h *LoggingHook) StartFlight(hc HookContext) {
	h.flightLogger(hc, "startFlight").
		WithField("status", hc.Status.String()).
		Info("flight started")
}

func (h *LoggingHook) StartStep(hc HookContext) {
	h.flightLogger(hc, "startStep").
		WithStep(hc.Step, hc.StepIndex, hc.Direction.String()).
		WithField("attempt", hc.Attempt).
		Debug("step started")
}

func (h *LoggingHook) EndStep(hc HookContext, result flight.StepResult) {
	l := h.flightLogger(hc, "endStep").
		WithStep(hc.Step, hc.StepIndex, hc.Direction.String()).
		WithField("step_status", string(result.Status))
	if result.Err != nil {
		l.WithError(result.Err).Warn("step failed")
		return
	}
	l.Info("step finished")
}

func (h *LoggingHook) EndFlight(hc HookContext) {
	h.flightLogger(hc, "endFlight").
		WithField("status", hc.Status.String()).
		Info("flight ended")
}

type hookList []Hook

func (hl hookList) startFlight(hc HookContext) {
	for _, h := range hl {
		h.StartFlight(hc)
	}
}

func (hl hookList) startStep(hc HookContext) {
	for _, h := range hl {
		h.StartStep(hc)
	}
}

func (hl hookList) endStep(hc HookContext, result flight.StepResult) {
	for _, h := range hl {
		h.EndStep(hc, result)
	}
}

func (hl hookList) endFlight(hc HookContext) {
	for _, h := range hl {
		h.EndFlight(hc)
	}
}
