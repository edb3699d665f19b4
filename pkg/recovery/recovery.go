// Package recovery reclaims flights whose owner has disappeared.
//
// A recovery pass reads the owners recorded in the store, then asks
// membership which workers are alive. Owners that are not alive, the
// unowned queue and this process's previous identity are obsolete; their
// unfinished flights are claimed one conditional update at a time and
// handed to the local pool together with every unfinished flight this
// process already owns.
//
// Owners are read before live workers, so a worker that joins between the
// two reads is seen as alive.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/membership"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Store is the part of the state store used for recovery.
type Store interface {
	ListOwners(ctx context.Context) ([]string, error)
	ListOwnedFlights(ctx context.Context, owner string) ([]string, error)
	ClaimFlights(ctx context.Context, fromOwner, toOwner string) ([]string, error)
}

// Submitter accepts flights for execution. *engine.Pool implements it.
type Submitter interface {
	Submit(flightID string) error
}

// Config configures a Manager.
type Config struct {
	Identity membership.Identity
	// Interval between periodic passes. Zero disables the ticker; passes
	// then only run on membership changes.
	Interval  time.Duration
	Telemetry *telemetry.Telemetry
}

// Report summarizes one recovery pass.
type Report struct {
	Obsolete    []string `json:"obsolete"`
	Claimed     []string `json:"claimed"`
	Resubmitted int      `json:"resubmitted"`
	// Deferred counts owned flights the pool had no room for. The next
	// pass submits them again.
	Deferred int `json:"deferred"`
}

// Manager runs recovery passes.
type Manager struct {
	store   Store
	members membership.Membership
	pool    Submitter
	cfg     Config
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	// passes are serialized
	mu sync.Mutex
}

// NewManager creates a recovery manager.
func NewManager(store Store, members membership.Membership, pool Submitter, cfg Config) (*Manager, error) {
	if store == nil || members == nil || pool == nil {
		return nil, errors.New("recovery needs a store, a membership and a pool")
	}
	if cfg.Identity.ID == "" {
		return nil, errors.New("recovery needs a worker identity")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Manager{
		store:   store,
		members: members,
		pool:    pool,
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("recovery").WithWorker(cfg.Identity.ID),
	}, nil
}

// Recover runs one pass.
func (m *Manager) Recover(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, err := m.recover(ctx)
	m.tel.Metrics.RecordRecoveryPass(len(report.Claimed), report.Resubmitted, err)
	if err != nil {
		m.logger.WithError(err).Error("recovery pass failed")
		return report, err
	}
	if len(report.Claimed) > 0 || report.Deferred > 0 {
		m.logger.WithFields(map[string]interface{}{
			"obsolete":    report.Obsolete,
			"claimed":     len(report.Claimed),
			"resubmitted": report.Resubmitted,
			"deferred":    report.Deferred,
		}).Info("recovered flights")
		for _, id := range report.Claimed {
			_ = m.tel.Events.PublishFlightEvent(telemetry.EventTypeFlightRecovered, id, "", "flight recovered", nil)
		}
	}
	return report, nil
}

func (m *Manager) recover(ctx context.Context) (Report, error) {
	var report Report
	self := m.cfg.Identity.ID

	owners, err := m.store.ListOwners(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read flight owners: %w", err)
	}
	live, err := m.members.LiveWorkers(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read live workers: %w", err)
	}

	obsolete := make(map[string]struct{})
	for _, owner := range owners {
		if owner == self {
			continue
		}
		if _, ok := live[owner]; !ok || owner == "" {
			obsolete[owner] = struct{}{}
		}
	}
	if prev := m.cfg.Identity.Previous; prev != "" && prev != self {
		obsolete[prev] = struct{}{}
	}
	report.Obsolete = membership.Names(obsolete)

	for _, owner := range report.Obsolete {
		claimed, err := m.store.ClaimFlights(ctx, owner, self)
		report.Claimed = append(report.Claimed, claimed...)
		if err != nil {
			return report, fmt.Errorf("failed to claim flights of %q: %w", owner, err)
		}
	}
	sort.Strings(report.Claimed)

	owned, err := m.store.ListOwnedFlights(ctx, self)
	if err != nil {
		return report, fmt.Errorf("failed to list owned flights: %w", err)
	}
	for _, id := range owned {
		switch err := m.pool.Submit(id); {
		case err == nil:
			report.Resubmitted++
		case errors.Is(err, engine.ErrQueueFull):
			report.Deferred++
		default:
			return report, fmt.Errorf("failed to resubmit flight %s: %w", id, err)
		}
	}
	return report, nil
}

// Run repeats recovery on membership changes and on every interval until
// ctx is done.
func (m *Manager) Run(ctx context.Context) {
	trigger := make(chan struct{}, 1)
	unsubscribe := m.members.Subscribe(func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var tick <-chan time.Time
	if m.cfg.Interval > 0 {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			m.logger.Debug("membership changed, recovering")
		case <-tick:
		}
		if _, err := m.Recover(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
}
