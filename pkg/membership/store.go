package membership

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// WorkerStore is the part of the state store that tracks workers.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, w *stores.Worker) error
	Heartbeat(ctx context.Context, id string) error
	DeregisterWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context, aliveSince time.Time) ([]*stores.Worker, error)
}

// StoreConfig configures a Store membership.
type StoreConfig struct {
	WorkerID string
	Interval time.Duration
	// TTL defaults to three intervals.
	TTL    time.Duration
	Logger *telemetry.Logger
}

// Store is a membership backed by the workers table. Changes are detected
// by polling on every heartbeat.
type Store struct {
	notifier
	store  WorkerStore
	cfg    StoreConfig
	logger *telemetry.Logger

	mu     sync.Mutex
	last   map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore returns a membership over store.
func NewStore(store WorkerStore, cfg StoreConfig) (*Store, error) {
	if store == nil || cfg.WorkerID == "" {
		return nil, errors.New("worker store and worker id are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &Store{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("membership").WithWorker(cfg.WorkerID),
	}, nil
}

// Start registers this worker and begins heartbeating.
func (s *Store) Start(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}
	live, err := s.LiveWorkers(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.last = live
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	s.logger.WithField("live", len(live)).Info("registered worker")
	return nil
}

// Stop ends the heartbeat and deregisters this worker.
func (s *Store) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return s.store.DeregisterWorker(ctx, s.cfg.WorkerID)
}

// LiveWorkers implements Membership.
func (s *Store) LiveWorkers(ctx context.Context) (map[string]struct{}, error) {
	workers, err := s.store.ListWorkers(ctx, time.Now().Add(-s.cfg.TTL))
	if err != nil {
		return nil, fmt.Errorf("failed to list live workers: %w", err)
	}
	live := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		live[w.ID] = struct{}{}
	}
	return live, nil
}

func (s *Store) register(ctx context.Context) error {
	host, _ := os.Hostname()
	return s.store.RegisterWorker(ctx, &stores.Worker{ID: s.cfg.WorkerID, Host: host})
}

func (s *Store) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := s.store.Heartbeat(ctx, s.cfg.WorkerID); err != nil {
			// a peer may have pruned the row; register again
			s.logger.WithError(err).Warn("heartbeat failed, re-registering")
			if err := s.register(ctx); err != nil {
				s.logger.WithError(err).Error("failed to re-register worker")
				continue
			}
		}

		live, err := s.LiveWorkers(ctx)
		if err != nil {
			s.logger.WithError(err).Error("failed to poll membership")
			continue
		}
		s.mu.Lock()
		changed := !sameSet(s.last, live)
		s.last = live
		s.mu.Unlock()
		if changed {
			s.logger.WithField("live", Names(live)).Info("membership changed")
			s.notify()
		}
	}
}
