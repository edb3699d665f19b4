package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/retry"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Store is the part of the state store used by the service.
type Store interface {
	CreateFlight(ctx context.Context, rec *flight.Record) error
	GetFlight(ctx context.Context, id string) (*flight.Record, error)
	DeleteFlight(ctx context.Context, id string) error
	ListFlights(ctx context.Context, filter stores.ListFilter) ([]*flight.Record, error)
	CountFlights(ctx context.Context, filter stores.ListFilter) (int, error)
	Handoff(ctx context.Context, id, owner string) (bool, error)
}

// Engine executes flights. *engine.Pool implements it.
type Engine interface {
	Submit(flightID string) error
	Shutdown(ctx context.Context) bool
}

// Authorizer decides job access. *policy.Authorizer implements it.
type Authorizer interface {
	Allowed(ctx context.Context, p policy.Principal, action policy.Action, jobID, subjectID string) (bool, error)
	ReadsAll(ctx context.Context, p policy.Principal) (bool, error)
}

// Admitter checks a submission before its flight is created and may
// rewrite its inputs. *config.Admission implements it.
type Admitter interface {
	Admit(ctx context.Context, class, subject string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Stopper is run at the start of Shutdown, before the engine is drained.
type Stopper func(ctx context.Context) error

// Config configures a Service.
type Config struct {
	// WorkerID owns flights submitted through this service.
	WorkerID string
	Registry *flight.Registry

	// Admission is optional.
	Admission Admitter

	// MinShutdownTimeout is the floor applied to Shutdown timeouts.
	MinShutdownTimeout time.Duration
	// StopTimeout bounds the stoppers run at shutdown.
	StopTimeout time.Duration
	// Stoppers run first at shutdown, typically stopping the membership
	// heartbeat so other workers start reclaiming this worker's flights.
	Stoppers []Stopper

	// PollInitial and PollMax bound the backoff used while waiting for a
	// job to finish.
	PollInitial time.Duration
	PollMax     time.Duration

	// DefaultLimit is the page size used when a request sets none.
	DefaultLimit int

	Telemetry *telemetry.Telemetry
}

// Service is the entry point for submitting and inspecting jobs.
type Service struct {
	store  Store
	engine Engine
	authz  Authorizer
	cfg    Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	valid  *validator.Validate

	state    atomic.Int32
	stopped  chan struct{}
	graceful bool
}

// NewService creates a job service.
func NewService(store Store, eng Engine, authz Authorizer, cfg Config) (*Service, error) {
	if store == nil || eng == nil || authz == nil {
		return nil, errors.New("job service needs a store, an engine and an authorizer")
	}
	if cfg.Registry == nil {
		return nil, errors.New("job service needs a flight registry")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("job service needs a worker id")
	}
	if cfg.MinShutdownTimeout <= 0 {
		cfg.MinShutdownTimeout = 14 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = 50 * time.Millisecond
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = 2 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Service{
		store:   store,
		engine:  eng,
		authz:   authz,
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("jobs"),
		valid:   validator.New(),
		stopped: make(chan struct{}),
	}, nil
}

// State returns the lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Submit creates a flight of class and hands it to the engine. The job is
// durable once Submit returns; if the local engine is saturated the flight
// is left in the shared queue for any worker to pick up.
func (s *Service) Submit(ctx context.Context, p policy.Principal, class, description string, inputs map[string]interface{}) (string, error) {
	if s.State() != StateAccepting {
		s.tel.Metrics.RecordJobRequest("submit", "rejected")
		return "", flight.NewShutdownError("job service is shutting down")
	}
	if err := s.valid.Struct(p); err != nil {
		s.tel.Metrics.RecordJobRequest("submit", "invalid")
		return "", flight.NewFatalError("invalid principal", err).WithCode(flight.ErrCodeInvalidInput)
	}
	if !s.cfg.Registry.Has(class) {
		s.tel.Metrics.RecordJobRequest("submit", "invalid")
		return "", flight.NewFatalError("unknown flight class: "+class, nil).WithCode(flight.ErrCodeUnknownClass)
	}
	if s.cfg.Admission != nil {
		admitted, err := s.cfg.Admission.Admit(ctx, class, p.SubjectID, inputs)
		if err != nil {
			s.tel.Metrics.RecordJobRequest("submit", "rejected")
			return "", flight.NewFatalError("submission not admitted", err).WithCode(flight.ErrCodeInvalidInput)
		}
		inputs = admitted
	}

	params, err := flight.ParametersFromMap(inputs)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("submit", "invalid")
		return "", flight.NewFatalError("invalid job inputs", err).WithCode(flight.ErrCodeInvalidInput)
	}
	if err := params.Put(flight.KeySubjectID, p.SubjectID); err != nil {
		return "", err
	}

	id := uuid.New().String()
	rec := &flight.Record{
		ID:           id,
		Class:        class,
		Description:  description,
		SubjectID:    p.SubjectID,
		SubjectEmail: p.Email,
		Inputs:       params,
		Working:      flight.NewParameters(),
		Status:       flight.StatusReady,
		Direction:    flight.DirectionDoing,
		Owner:        s.cfg.WorkerID,
	}
	if err := s.store.CreateFlight(ctx, rec); err != nil {
		s.tel.Metrics.RecordJobRequest("submit", "error")
		return "", fmt.Errorf("failed to create flight: %w", err)
	}

	logger := s.logger.WithFlight(id, class).WithField("subject_id", p.SubjectID)
	if err := s.engine.Submit(id); err != nil {
		if !errors.Is(err, engine.ErrQueueFull) && !errors.Is(err, engine.ErrPoolStopped) &&
			!errors.Is(err, engine.ErrPoolNotStarted) {
			logger.WithError(err).Warn("engine rejected flight")
		}
		// Leave it for whichever worker has room.
		if _, herr := s.store.Handoff(ctx, id, s.cfg.WorkerID); herr != nil {
			logger.WithError(herr).Error("failed to queue flight")
		} else {
			logger.Info("engine saturated, flight queued")
		}
	}

	_ = s.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightSubmitted, id, class, "job submitted",
		map[string]interface{}{"subject_id": p.SubjectID})
	s.tel.Metrics.RecordJobRequest("submit", "ok")
	logger.Debug("job submitted")
	return id, nil
}

// SubmitAndWait submits a job and blocks until it finishes or ctx is done.
func (s *Service) SubmitAndWait(ctx context.Context, p policy.Principal, class, description string, inputs map[string]interface{}) (*Result, error) {
	id, err := s.Submit(ctx, p, class, description, inputs)
	if err != nil {
		return nil, err
	}
	return s.Wait(ctx, p, id)
}

// Wait blocks until job id has finished and returns its result. A parked
// flight counts as finished. Completion events wake the wait early; the
// store is polled with backoff in case the flight finishes on another
// worker.
func (s *Service) Wait(ctx context.Context, p policy.Principal, id string) (res *Result, err error) {
	ctx, span := s.tel.Tracer.StartJobSpan(ctx, "wait", id)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	wake := make(chan struct{}, 1)
	unsubscribe := s.tel.Events.Subscribe(func(telemetry.Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}, telemetry.And(
		telemetry.FilterByFlightID(id),
		telemetry.FilterByType(telemetry.EventTypeFlightCompleted),
	))
	defer unsubscribe()

	poll := retry.Exponential{Base: s.cfg.PollInitial, Cap: s.cfg.PollMax}
	for failures := 1; ; failures++ {
		rec, err := s.store.GetFlight(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.IsTerminal() || rec.Status == flight.StatusError {
			return s.result(ctx, p, rec)
		}

		delay, _ := poll.Next(failures, 0)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RetrieveStatus returns the summary of job id. Status is visible to any
// caller that knows the id.
func (s *Service) RetrieveStatus(ctx context.Context, id string) (*Job, error) {
	rec, err := s.store.GetFlight(ctx, id)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("status", outcome(err))
		return nil, err
	}
	s.tel.Metrics.RecordJobRequest("status", "ok")
	job := jobFromRecord(rec)
	return &job, nil
}

// RetrieveResult returns the result of job id. A running job yields a 202
// result with no response; a failed job yields its decoded error.
func (s *Service) RetrieveResult(ctx context.Context, p policy.Principal, id string) (*Result, error) {
	rec, err := s.store.GetFlight(ctx, id)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("result", outcome(err))
		return nil, err
	}
	return s.result(ctx, p, rec)
}

func (s *Service) result(ctx context.Context, p policy.Principal, rec *flight.Record) (*Result, error) {
	if err := s.authorize(ctx, p, policy.ActionRead, rec); err != nil {
		s.tel.Metrics.RecordJobRequest("result", outcome(err))
		return nil, err
	}
	s.tel.Metrics.RecordJobRequest("result", "ok")

	job := jobFromRecord(rec)
	switch job.Status {
	case JobSucceeded:
		res := &Result{JobID: rec.ID, StatusCode: job.StatusCode}
		if rec.Result != nil {
			res.Response = rec.Result.Response
		}
		return res, nil
	case JobFailed:
		if rec.Exception == nil {
			return nil, flight.NewInvalidResultError(rec.ID, "failed job has no recorded error")
		}
		return nil, rec.Exception.Err()
	default:
		return &Result{JobID: rec.ID, StatusCode: job.StatusCode}, nil
	}
}

// Enumerate lists jobs visible to p. Unless p may read all jobs, only its
// own submissions are returned.
func (s *Service) Enumerate(ctx context.Context, p policy.Principal, req EnumerateRequest) (*Page, error) {
	if err := s.valid.Struct(req); err != nil {
		s.tel.Metrics.RecordJobRequest("enumerate", "invalid")
		return nil, flight.NewFatalError("invalid enumerate request", err).WithCode(flight.ErrCodeInvalidInput)
	}
	if req.Limit == 0 {
		req.Limit = s.cfg.DefaultLimit
	}

	filter := stores.ListFilter{
		Class:      req.Class,
		IDs:        req.IDs,
		Descending: req.Direction == SortDesc,
		Offset:     req.Offset,
		Limit:      req.Limit,
	}
	all, err := s.authz.ReadsAll(ctx, p)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("enumerate", "error")
		return nil, err
	}
	if !all {
		subject := p.SubjectID
		filter.SubjectID = &subject
	}

	recs, err := s.store.ListFlights(ctx, filter)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("enumerate", "error")
		return nil, err
	}
	total, err := s.store.CountFlights(ctx, filter)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("enumerate", "error")
		return nil, err
	}

	page := &Page{Jobs: make([]Job, 0, len(recs)), Total: total, Offset: req.Offset, Limit: req.Limit}
	for _, rec := range recs {
		page.Jobs = append(page.Jobs, jobFromRecord(rec))
	}
	s.tel.Metrics.RecordJobRequest("enumerate", "ok")
	return page, nil
}

// Release deletes a finished or parked job and its log.
func (s *Service) Release(ctx context.Context, p policy.Principal, id string) (err error) {
	ctx, span := s.tel.Tracer.StartJobSpan(ctx, "release", id)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	rec, err := s.store.GetFlight(ctx, id)
	if err != nil {
		s.tel.Metrics.RecordJobRequest("release", outcome(err))
		return err
	}
	if err := s.authorize(ctx, p, policy.ActionRelease, rec); err != nil {
		s.tel.Metrics.RecordJobRequest("release", outcome(err))
		return err
	}
	if err := s.store.DeleteFlight(ctx, id); err != nil {
		s.tel.Metrics.RecordJobRequest("release", outcome(err))
		return err
	}
	s.tel.Metrics.RecordJobRequest("release", "ok")
	s.logger.WithFlight(rec.ID, rec.Class).Info("job released")
	return nil
}

func (s *Service) authorize(ctx context.Context, p policy.Principal, action policy.Action, rec *flight.Record) error {
	ok, err := s.authz.Allowed(ctx, p, action, rec.ID, rec.SubjectID)
	if err != nil {
		return err
	}
	if !ok {
		return flight.NewUnauthorizedError(rec.ID)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case flight.IsNotFound(err):
		return "not_found"
	case flight.IsUnauthorized(err):
		return "denied"
	case flight.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
