package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

var (
	// ErrPoolStopped is returned by Submit after Shutdown.
	ErrPoolStopped = errors.New("pool stopped")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("pool not started")
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("pool queue full")
)

// StatusWriter releases flights that a hard shutdown interrupted.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, id, owner string, status flight.Status) (bool, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers is the number of flights executed concurrently.
	Workers int
	// QueueSize bounds the number of flights waiting for a worker.
	QueueSize int
	// WorkerID is the owner recorded on flights released at shutdown.
	WorkerID string
	// ErrorBackoff is the delay before a flight whose run failed with an
	// engine error is tried again.
	ErrorBackoff time.Duration
	// KillGrace bounds how long Shutdown waits for cancelled workers.
	KillGrace time.Duration
	Telemetry *telemetry.Telemetry
}

// Pool runs flights on a bounded set of goroutines. Flights in retry backoff
// hold a timer, not a goroutine.
type Pool struct {
	executor Executor
	status   StatusWriter
	cfg      PoolConfig
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	queue   chan string
	quiesce chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	queued  map[string]struct{}
	running map[string]struct{}
	timers  map[string]*time.Timer

	completed int64
	errored   int64
}

// NewPool creates a pool that runs flights through executor.
func NewPool(executor Executor, status StatusWriter, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = time.Second
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		executor: executor,
		status:   status,
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("pool"),
		queue:    make(chan string, cfg.QueueSize),
		quiesce:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		queued:   make(map[string]struct{}),
		running:  make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit queues a flight. Submitting a flight that is already queued or
// running is a no-op; submitting one that sleeps in backoff wakes it now.
func (p *Pool) Submit(flightID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitLocked(flightID)
}

func (p *Pool) submitLocked(flightID string) error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	if _, ok := p.queued[flightID]; ok {
		return nil
	}
	if _, ok := p.running[flightID]; ok {
		return nil
	}
	select {
	case p.queue <- flightID:
	default:
		return ErrQueueFull
	}
	if t, ok := p.timers[flightID]; ok {
		t.Stop()
		delete(p.timers, flightID)
	}
	p.queued[flightID] = struct{}{}
	p.publishStats()
	return nil
}

// SubmitAfter queues a flight once delay has elapsed. It is a no-op if the
// flight is already queued, running or scheduled.
func (p *Pool) SubmitAfter(flightID string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduleLocked(flightID, delay)
}

func (p *Pool) scheduleLocked(flightID string, delay time.Duration) error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	if _, ok := p.queued[flightID]; ok {
		return nil
	}
	if _, ok := p.running[flightID]; ok {
		return nil
	}
	if _, ok := p.timers[flightID]; ok {
		return nil
	}
	if delay <= 0 {
		return p.submitLocked(flightID)
	}
	p.timers[flightID] = time.AfterFunc(delay, func() { p.fire(flightID) })
	p.publishStats()
	return nil
}

// fire moves a scheduled flight into the queue.
func (p *Pool) fire(flightID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.timers[flightID]; !ok {
		return
	}
	delete(p.timers, flightID)
	err := p.submitLocked(flightID)
	if errors.Is(err, ErrQueueFull) {
		p.timers[flightID] = time.AfterFunc(p.cfg.ErrorBackoff, func() { p.fire(flightID) })
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		// stop picking up work once quiescing; queued flights stay resumable in the store
		select {
		case <-p.quiesce:
			return
		default:
		}
		select {
		case <-p.quiesce:
			return
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			p.run(id)
		}
	}
}

func (p *Pool) run(flightID string) {
	p.mu.Lock()
	delete(p.queued, flightID)
	p.running[flightID] = struct{}{}
	p.publishStats()
	p.mu.Unlock()

	outcome, err := p.executor.Run(p.ctx, flightID, p.quiesce)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, flightID)
	defer p.publishStats()

	logger := p.logger.WithFlightID(flightID)
	switch {
	case err != nil:
		atomic.AddInt64(&p.errored, 1)
		if flight.IsNotFound(err) || errors.Is(err, flight.ErrOwnershipLost) {
			logger.WithError(err).Warn("dropping flight")
			return
		}
		logger.WithError(err).Error("flight run failed, will retry")
		if serr := p.scheduleLocked(flightID, p.cfg.ErrorBackoff); serr != nil && !errors.Is(serr, ErrPoolStopped) {
			logger.WithError(serr).Error("failed to reschedule flight")
		}
	case outcome.Done():
		atomic.AddInt64(&p.completed, 1)
	case outcome.Status == flight.StatusWaiting:
		if serr := p.scheduleLocked(flightID, outcome.RetryAfter); serr != nil && !errors.Is(serr, ErrPoolStopped) {
			logger.WithError(serr).Error("failed to schedule retry")
		}
	case outcome.Status == flight.StatusReady && !outcome.Interrupted:
		if serr := p.submitLocked(flightID); serr != nil && !errors.Is(serr, ErrPoolStopped) {
			logger.WithError(serr).Warn("failed to requeue flight")
		}
	}
}

// Shutdown stops accepting work and lets running flights reach a step
// boundary. If ctx expires first, the remaining flights are cancelled and
// marked READY so that another owner can resume them. It reports whether
// every running flight stopped on its own.
func (p *Pool) Shutdown(ctx context.Context) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	close(p.quiesce)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("pool drained")
		return true
	case <-ctx.Done():
	}

	p.cancel()
	select {
	case <-done:
	case <-time.After(p.cfg.KillGrace):
	}

	// flights whose steps ignored cancellation are released explicitly
	p.mu.Lock()
	stuck := make([]string, 0, len(p.running))
	for id := range p.running {
		stuck = append(stuck, id)
	}
	p.mu.Unlock()

	persist := context.Background()
	for _, id := range stuck {
		if p.status == nil {
			break
		}
		if _, err := p.status.UpdateStatus(persist, id, p.cfg.WorkerID, flight.StatusReady); err != nil {
			p.logger.WithFlightID(id).WithError(err).Error("failed to release flight at shutdown")
		}
	}
	p.logger.Warnf("pool terminated with %d flights still running", len(stuck))
	return false
}

// Active reports whether flightID is queued, running or scheduled here.
func (p *Pool) Active(flightID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, q := p.queued[flightID]
	_, r := p.running[flightID]
	_, w := p.timers[flightID]
	return q || r || w
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:   p.cfg.Workers,
		Queued:    len(p.queued),
		Running:   len(p.running),
		Waiting:   len(p.timers),
		Completed: atomic.LoadInt64(&p.completed),
		Errors:    atomic.LoadInt64(&p.errored),
	}
}

// publishStats must be called with p.mu held.
func (p *Pool) publishStats() {
	p.tel.Metrics.SetPoolStats(len(p.queued), len(p.running), len(p.timers))
}
