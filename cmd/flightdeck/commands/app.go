package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/flightdeck/pkg/config"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/flights/ingest"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/locks"
	"github.com/openfroyo/flightdeck/pkg/membership"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// app holds the components shared by the commands.
type app struct {
	cfg      *config.EngineConfig
	identity membership.Identity
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	store    *stores.SQLStore
	registry *flight.Registry
	authz    *policy.Authorizer
	pool     *engine.Pool
}

// newApp opens the store and builds the engine for identity. The pool is
// created but not started.
func newApp(ctx context.Context, cfg *config.EngineConfig, identity membership.Identity, version string) (*app, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		cfg:      cfg,
		identity: identity,
		tel:      tel,
		logger:   tel.Logger.WithWorker(identity.ID),
	}
	tel.Events.SetSource(identity.ID)

	a.store, err = stores.NewSQLStore(cfg.StoreConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.store.Init(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = flight.NewRegistry()
	if err := locks.Register(a.registry, a.store); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Ingest.DataDir != "" {
		if err := ingest.Register(a.registry, ingest.Config{DataDir: cfg.Ingest.DataDir}); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.authz, err = policy.NewAuthorizer(ctx, policy.Config{Admins: cfg.Policy.Admins, Logger: tel.Logger})
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Policy.Dir != "" {
		if err := a.authz.LoadDir(ctx, cfg.Policy.Dir); err != nil {
			a.Close()
			return nil, err
		}
	}

	runner, err := engine.NewRunner(a.store, a.registry, engine.RunnerConfig{
		WorkerID:  identity.ID,
		FlightLog: cfg.Store.FlightLog,
		Telemetry: tel,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = engine.NewPool(runner, a.store, engine.PoolConfig{
		Workers:      cfg.Pool.Workers,
		QueueSize:    cfg.Pool.QueueSize,
		WorkerID:     identity.ID,
		ErrorBackoff: cfg.Pool.ErrorBackoff.D(),
		KillGrace:    cfg.Pool.KillGrace.D(),
		Telemetry:    tel,
	})
	return a, nil
}

// newService returns the job service over the app's engine.
func (a *app) newService(stoppers ...jobs.Stopper) (*jobs.Service, error) {
	admission, err := config.NewAdmission(a.cfg.Classes, 0, a.tel.Logger)
	if err != nil {
		return nil, err
	}
	return jobs.NewService(a.store, a.pool, a.authz, jobs.Config{
		WorkerID:           a.identity.ID,
		Registry:           a.registry,
		Admission:          admission,
		MinShutdownTimeout: a.cfg.Jobs.MinShutdownTimeout.D(),
		Stoppers:           stoppers,
		PollMax:            a.cfg.Jobs.PollMax.D(),
		DefaultLimit:       a.cfg.Jobs.DefaultLimit,
		Telemetry:          a.tel,
	})
}

// newMembership builds the configured membership. It is not started.
func (a *app) newMembership() (membership.Membership, error) {
	mc := a.cfg.Membership
	switch mc.Mode {
	case "static":
		return membership.NewStatic(append([]string{a.identity.ID}, mc.Workers...)...), nil
	case "store":
		return membership.NewStore(a.store, membership.StoreConfig{
			WorkerID: a.identity.ID,
			Interval: mc.Interval.D(),
			TTL:      mc.TTL.D(),
			Logger:   a.tel.Logger,
		})
	default:
		return membership.NewDirectory(membership.DirectoryConfig{
			Dir:      mc.Directory,
			WorkerID: a.identity.ID,
			Interval: mc.Interval.D(),
			TTL:      mc.TTL.D(),
			Logger:   a.tel.Logger,
		})
	}
}

// joinMembership starts the heartbeat of m and returns the function that
// leaves it.
func joinMembership(ctx context.Context, m membership.Membership) (jobs.Stopper, error) {
	switch mm := m.(type) {
	case *membership.Store:
		if err := mm.Start(ctx); err != nil {
			return nil, err
		}
		return mm.Stop, nil
	case *membership.Directory:
		if err := mm.Start(ctx); err != nil {
			return nil, err
		}
		return func(context.Context) error { return mm.Stop() }, nil
	default:
		return func(context.Context) error { return nil }, nil
	}
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithError(err).Warn("failed to flush telemetry")
	}
}

// cliIdentity names a short-lived command process. It is not written to
// the identity file.
func cliIdentity() membership.Identity {
	host, _ := os.Hostname()
	return membership.Identity{ID: fmt.Sprintf("cli-%s-%d", host, os.Getpid())}
}
