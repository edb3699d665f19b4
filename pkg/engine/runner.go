package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// WorkerID is the owner identity this runner checkpoints under.
	WorkerID string

	// FlightLog enables the append-only flight_log audit trail.
	FlightLog bool

	// Hooks are invoked in addition to the built-in logging hook.
	Hooks []Hook

	Telemetry *telemetry.Telemetry

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Runner is the flight state machine. It walks a flight's steps forward,
// and on a fatal failure walks them back invoking undo, checkpointing the
// record at every step boundary.
type Runner struct {
	store     FlightStore
	registry  *flight.Registry
	workerID  string
	flightLog bool
	hooks     hookList
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	now       func() time.Time
}

// NewRunner creates a runner.
func NewRunner(store FlightStore, registry *flight.Registry, cfg RunnerConfig) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	hooks := append(hookList{NewLoggingHook(tel.Logger)}, cfg.Hooks...)
	return &Runner{
		store:     store,
		registry:  registry,
		workerID:  cfg.WorkerID,
		flightLog: cfg.FlightLog,
		hooks:     hooks,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("runner").WithWorker(cfg.WorkerID),
		now:       clock,
	}, nil
}

// WorkerID returns the identity the runner checkpoints under.
func (r *Runner) WorkerID() string {
	return r.workerID
}

// Run advances flightID until it completes, enters retry backoff, or yields
// because ctx was cancelled or quiesce was closed. Store writes are not
// cancelled with ctx, so an interrupted flight is always left resumable.
func (r *Runner) Run(ctx context.Context, flightID string, quiesce <-chan struct{}) (Outcome, error) {
	persist := context.WithoutCancel(ctx)

	rec, err := r.store.GetFlight(persist, flightID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.Owner != r.workerID {
		return Outcome{Status: rec.Status}, ownershipLost(flightID)
	}
	if rec.IsTerminal() || rec.Status == flight.StatusError {
		return Outcome{Status: rec.Status}, nil
	}
	now := r.now()
	if rec.Status == flight.StatusWaiting && rec.NextRunAt != nil && rec.NextRunAt.After(now) {
		return Outcome{Status: flight.StatusWaiting, RetryAfter: rec.NextRunAt.Sub(now)}, nil
	}
	if rec.Working == nil {
		rec.Working = flight.NewParameters()
	}

	def, err := r.registry.Build(rec.Class, flight.NewInputs(rec.Inputs))
	if err == nil {
		err = checkPosition(rec, len(def.Steps))
	}
	if err != nil {
		return r.park(persist, rec, err)
	}
	return r.execute(ctx, persist, rec, def, quiesce)
}

func (r *Runner) execute(
	ctx, persist context.Context,
	rec *flight.Record,
	def *flight.Definition,
	quiesce <-chan struct{},
) (Outcome, error) {
	ctx, span := r.tel.Tracer.StartFlightSpan(ctx, rec.ID, rec.Class)
	span.SetAttributes(telemetry.AttrWorkerID.String(r.workerID))
	defer span.End()

	inputs := flight.NewInputs(rec.Inputs)
	hc := HookContext{
		FlightID:       rec.ID,
		Class:          rec.Class,
		ParentFlightID: inputs.GetString(flight.KeyParentFlightID),
	}

	rec.Status = flight.StatusRunning
	rec.NextRunAt = nil
	if err := r.store.Checkpoint(persist, rec); err != nil {
		telemetry.RecordError(span, err)
		return Outcome{}, err
	}
	hc.Status = rec.Status
	r.hooks.startFlight(hc)
	r.tel.Metrics.RecordFlightStarted(rec.Class)
	_ = r.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightStarted, rec.ID, rec.Class, "flight started", nil)

	for {
		switch {
		case rec.Direction == flight.DirectionDoing && rec.StepIndex >= len(def.Steps):
			return r.complete(persist, rec, flight.StatusSuccess, hc, span)
		case rec.Direction == flight.DirectionUndoing && rec.StepIndex < 0:
			status := flight.StatusSuccess
			if rec.Exception != nil {
				status = flight.StatusFatal
			}
			return r.complete(persist, rec, status, hc, span)
		}

		if interrupted(ctx, quiesce) {
			return r.yield(persist, rec, span)
		}

		spec := def.Steps[rec.StepIndex]
		index, direction := rec.StepIndex, rec.Direction
		result := r.invoke(ctx, rec, inputs, spec, hc)

		// a step that failed because it was interrupted has not really failed
		if result.Status != flight.StepSuccess && ctx.Err() != nil &&
			(result.Status == flight.StepFailureRetry || errors.Is(result.Err, context.Canceled)) {
			return r.yield(persist, rec, span)
		}

		delay, waiting := r.apply(rec, spec, result)
		if waiting {
			rec.Status = flight.StatusWaiting
		} else {
			rec.Status = flight.StatusRunning
		}
		if err := r.store.Checkpoint(persist, rec); err != nil {
			telemetry.RecordError(span, err)
			return Outcome{}, err
		}
		r.appendLog(persist, rec, spec.Name, index, direction, result)

		if waiting {
			r.tel.Metrics.RecordFlightYielded(rec.Class, string(flight.StatusWaiting))
			_ = r.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightWaiting, rec.ID, rec.Class,
				fmt.Sprintf("step %s waiting %s", spec.Name, delay), map[string]interface{}{"attempt": rec.Attempt})
			return Outcome{Status: flight.StatusWaiting, RetryAfter: delay}, nil
		}
	}
}

// invoke runs one do or undo call with hooks, tracing and metrics.
func (r *Runner) invoke(
	ctx context.Context,
	rec *flight.Record,
	inputs flight.Inputs,
	spec flight.StepSpec,
	hc HookContext,
) flight.StepResult {
	hc.Step = spec.Name
	hc.StepIndex = rec.StepIndex
	hc.Direction = rec.Direction
	hc.Attempt = rec.Attempt
	hc.Status = rec.Status
	r.hooks.startStep(hc)

	stepCtx, span := r.tel.Tracer.StartStepSpan(ctx, spec.Name, rec.StepIndex, rec.Direction.String())
	stepCtx = r.logger.WithFlight(rec.ID, rec.Class).WithField("step", spec.Name).WithContext(stepCtx)
	timer := telemetry.NewTimer()

	fc := flight.NewContext(stepCtx, rec.ID, rec.Class, spec.Name, rec.StepIndex, rec.Direction, inputs, rec.Working)
	result := callStep(spec.Step, fc)

	r.tel.Metrics.RecordStepExecution(rec.Class, spec.Name, rec.Direction.String(), string(result.Status), timer.Duration())
	span.SetAttributes(telemetry.AttrStepStatus.String(string(result.Status)))
	if result.Err != nil {
		var ferr *flight.Error
		if errors.As(result.Err, &ferr) {
			span.SetAttributes(
				telemetry.AttrErrorKind.String(string(ferr.Kind)),
				telemetry.AttrErrorCode.String(ferr.Code),
			)
		}
		telemetry.RecordError(span, result.Err)
	}
	span.End()

	r.hooks.endStep(hc, result)
	eventType := telemetry.EventTypeStepCompleted
	if result.Status != flight.StepSuccess {
		eventType = telemetry.EventTypeStepFailed
	}
	_ = r.tel.Events.PublishStepEvent(eventType, rec.ID, rec.Class, spec.Name, map[string]interface{}{
		"direction": rec.Direction.String(),
		"status":    string(result.Status),
	})
	return result
}

// callStep invokes the step for the context's direction. Panics become
// fatal failures.
func callStep(step flight.Step, fc *flight.Context) (result flight.StepResult) {
	defer func() {
		if p := recover(); p != nil {
			result = flight.Fatal(flight.NewFatalError(
				fmt.Sprintf("step %s panicked: %v", fc.StepName(), p), nil,
			).WithCode(flight.ErrCodeStepPanic))
		}
	}()

	if fc.Direction() == flight.DirectionUndoing {
		result = step.Undo(fc)
	} else {
		result = step.Do(fc)
	}
	switch result.Status {
	case flight.StepSuccess, flight.StepFailureRetry, flight.StepFailureFatal:
		return result
	default:
		return flight.Fatal(flight.NewFatalError(
			fmt.Sprintf("step %s returned invalid status %q", fc.StepName(), result.Status), result.Err,
		).WithCode(flight.ErrCodeInvalidState))
	}
}

// apply moves rec according to result. It reports the backoff delay when the
// step is to be retried later.
func (r *Runner) apply(rec *flight.Record, spec flight.StepSpec, result flight.StepResult) (time.Duration, bool) {
	now := r.now()
	switch result.Status {
	case flight.StepSuccess:
		resetAttempts(rec)
		if rec.Direction == flight.DirectionDoing {
			rec.StepIndex++
		} else {
			rec.StepIndex--
		}
		return 0, false

	case flight.StepFailureRetry:
		failures := rec.Attempt + 1
		first := now
		if rec.FirstAttemptAt != nil {
			first = *rec.FirstAttemptAt
		}
		if delay, ok := spec.Retry.Next(failures, now.Sub(first)); ok {
			next := now.Add(delay)
			rec.Attempt = failures
			rec.FirstAttemptAt = &first
			rec.NextRunAt = &next
			r.tel.Metrics.RecordStepRetry(rec.Class, spec.Name)
			return delay, true
		}
		r.fail(rec, spec, exhausted(spec.Name, failures, result.Err), now)
		return 0, false

	default:
		r.fail(rec, spec, result.Err, now)
		return 0, false
	}
}

// fail records a fatal step failure. Forward, it keeps the error as the
// primary exception and turns around at the same index so that the failed
// step's own undo runs first. Backward, the error is suppressed and the
// sweep continues.
func (r *Runner) fail(rec *flight.Record, spec flight.StepSpec, err error, now time.Time) {
	resetAttempts(rec)
	if err != nil {
		var fe *flight.Error
		if errors.As(err, &fe) {
			r.tel.Metrics.RecordError(string(fe.Kind), fe.Code)
		} else {
			r.tel.Metrics.RecordError(string(flight.KindFatal), "")
		}
	}

	if rec.Direction == flight.DirectionDoing {
		if err != nil && rec.Exception == nil {
			rec.Exception = flight.NewException(err, spec.Name, rec.StepIndex, flight.DirectionDoing, now)
		}
		rec.Direction = flight.DirectionUndoing
		return
	}

	if err == nil {
		err = flight.NewFatalError(fmt.Sprintf("undo of step %s failed", spec.Name), nil)
	}
	rec.Suppressed = append(rec.Suppressed, flight.NewException(err, spec.Name, rec.StepIndex, flight.DirectionUndoing, now))
	r.tel.Metrics.RecordUndoFailure(rec.Class, spec.Name)
	rec.StepIndex--
}

func (r *Runner) complete(
	persist context.Context,
	rec *flight.Record,
	status flight.Status,
	hc HookContext,
	span trace.Span,
) (Outcome, error) {
	now := r.now().UTC()
	rec.Status = status
	rec.CompletedAt = &now
	resetAttempts(rec)

	summary, err := flight.SummaryFromWorking(rec.Working)
	if err != nil {
		r.logger.WithFlight(rec.ID, rec.Class).WithError(err).Warn("discarding invalid result summary")
		summary = &flight.ResultSummary{}
	}
	rec.Result = summary

	if err := r.store.Complete(persist, rec); err != nil {
		rec.CompletedAt = nil
		telemetry.RecordError(span, err)
		return Outcome{}, err
	}

	hc.Status = status
	r.hooks.endFlight(hc)
	r.tel.Metrics.RecordFlightCompleted(rec.Class, string(status), now.Sub(rec.SubmittedAt))
	span.SetAttributes(telemetry.AttrFlightStatus.String(string(status)))
	if status == flight.StatusFatal {
		telemetry.RecordError(span, rec.Exception.Err())
	} else {
		telemetry.RecordSuccess(span)
	}
	_ = r.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightCompleted, rec.ID, rec.Class,
		"flight completed", map[string]interface{}{"status": string(status)})
	return Outcome{Status: status}, nil
}

// yield hands the flight back as READY at a step boundary.
func (r *Runner) yield(persist context.Context, rec *flight.Record, span trace.Span) (Outcome, error) {
	rec.Status = flight.StatusReady
	if err := r.store.Checkpoint(persist, rec); err != nil {
		telemetry.RecordError(span, err)
		return Outcome{}, err
	}
	telemetry.AddEvent(span, "yield")
	r.tel.Metrics.RecordFlightYielded(rec.Class, string(flight.StatusReady))
	_ = r.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightYielded, rec.ID, rec.Class, "flight yielded", nil)
	r.logger.WithFlight(rec.ID, rec.Class).
		WithStep("", rec.StepIndex, rec.Direction.String()).
		Info("flight interrupted at step boundary")
	return Outcome{Status: flight.StatusReady, Interrupted: true}, nil
}

// park moves a flight that cannot be reconstructed to ERROR, keeping its
// position so that it can be inspected and released.
func (r *Runner) park(persist context.Context, rec *flight.Record, cause error) (Outcome, error) {
	rec.Status = flight.StatusError
	rec.Exception = flight.NewException(cause, "", rec.StepIndex, rec.Direction, r.now())
	if err := r.store.Checkpoint(persist, rec); err != nil {
		return Outcome{}, err
	}
	r.logger.WithFlight(rec.ID, rec.Class).WithError(cause).Error("flight parked")
	r.tel.Metrics.RecordError(string(rec.Exception.Kind), rec.Exception.Code)
	_ = r.tel.Events.Publish(telemetry.Event{
		Type:        telemetry.EventTypeFlightCompleted,
		FlightID:    rec.ID,
		FlightClass: rec.Class,
		Message:     "flight parked",
		Level:       telemetry.EventLevelError,
		Data:        map[string]interface{}{"status": string(flight.StatusError)},
	})
	return Outcome{Status: flight.StatusError}, nil
}

func (r *Runner) appendLog(
	persist context.Context,
	rec *flight.Record,
	step string,
	index int,
	direction flight.Direction,
	result flight.StepResult,
) {
	if !r.flightLog {
		return
	}
	entry := &stores.LogEntry{
		FlightID:     rec.ID,
		StepIndex:    index,
		StepName:     step,
		Direction:    direction,
		StepStatus:   result.Status,
		FlightStatus: rec.Status,
		Worker:       r.workerID,
	}
	if working, err := json.Marshal(rec.Working); err == nil {
		entry.Working = string(working)
	}
	if result.Err != nil {
		msg := result.Err.Error()
		entry.Error = &msg
	}
	if err := r.store.AppendLog(persist, entry); err != nil {
		r.logger.WithFlightID(rec.ID).WithError(err).Warn("failed to append flight log")
	}
}

func checkPosition(rec *flight.Record, steps int) error {
	var ok bool
	switch rec.Direction {
	case flight.DirectionDoing:
		ok = rec.StepIndex >= 0 && rec.StepIndex <= steps
	case flight.DirectionUndoing:
		ok = rec.StepIndex >= -1 && rec.StepIndex < steps
	}
	if !ok {
		return flight.NewInternalError(
			fmt.Sprintf("flight position %s/%d outside %d steps", rec.Direction, rec.StepIndex, steps), nil,
		).WithCode(flight.ErrCodeInvalidState)
	}
	return nil
}

// exhausted is the failure recorded when a step's retry rule gives up. The
// step's own error is kept so that callers see the original cause.
func exhausted(step string, failures int, err error) error {
	var fe *flight.Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Details = make(map[string]interface{}, len(fe.Details)+1)
		for k, v := range fe.Details {
			cp.Details[k] = v
		}
		cp.Details["attempts"] = failures
		return &cp
	}
	return flight.NewFatalError(fmt.Sprintf("step %s gave up after %d attempts", step, failures), err).
		WithCode(flight.ErrCodeRetryExhausted).
		WithDetail("attempts", failures)
}

func resetAttempts(rec *flight.Record) {
	rec.Attempt = 0
	rec.FirstAttemptAt = nil
	rec.NextRunAt = nil
}

func interrupted(ctx context.Context, quiesce <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-quiesce:
		return true
	default:
		return false
	}
}

func ownershipLost(flightID string) error {
	e := *flight.ErrOwnershipLost
	return e.WithFlight(flightID)
}
