package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flightdeck/pkg/membership"
	"github.com/openfroyo/flightdeck/pkg/recovery"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker",
		Long: `Run a worker: join the membership, recover flights left behind by dead
workers and execute flights until interrupted.

On SIGINT or SIGTERM the worker stops accepting jobs, leaves the membership
so its peers start reclaiming its flights, and gives running flights until
jobs.shutdown_timeout to reach a step boundary. Flights still running after
that are interrupted and left for recovery.`,
		Example: `  # Single worker on a local SQLite store
  flightdeck serve

  # Worker of a cluster sharing a Postgres store
  flightdeck serve -c base.cue -c host.cue --store-driver postgres \
    --store-dsn postgres://flightdeck@db/flightdeck`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			identity, err := membership.LoadIdentity(cfg.Worker.IdentityFile, cfg.Worker.ID)
			if err != nil {
				return err
			}

			// Components outlive the signal context; Shutdown stops them.
			runCtx, cancelRun := context.WithCancel(context.WithoutCancel(cmd.Context()))
			defer cancelRun()

			a, err := newApp(runCtx, cfg, identity, opts.version)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger.NewComponentLogger("serve")

			if migrate {
				if err := a.store.Migrate(runCtx); err != nil {
					return err
				}
			}

			members, err := a.newMembership()
			if err != nil {
				return err
			}
			leave, err := joinMembership(runCtx, members)
			if err != nil {
				return err
			}
			svc, err := a.newService(leave)
			if err != nil {
				_ = leave(runCtx)
				return err
			}

			a.pool.Start()
			manager, err := recovery.NewManager(a.store, members, a.pool, recovery.Config{
				Identity:  identity,
				Interval:  cfg.Recovery.Interval.D(),
				Telemetry: a.tel,
			})
			if err != nil {
				svc.Shutdown(0)
				return err
			}
			if _, err := manager.Recover(runCtx); err != nil {
				svc.Shutdown(0)
				return fmt.Errorf("failed to recover flights: %w", err)
			}

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				manager.Run(gctx)
				return nil
			})
			if srv := a.tel.Metrics.Server(a.store.HealthCheck); srv != nil {
				g.Go(func() error {
					logger.WithField("address", srv.Addr).Info("Serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(ctx)
				})
			}
			if cfg.Policy.Dir != "" {
				if err := a.authz.Watch(gctx, cfg.Policy.Dir); err != nil {
					logger.WithError(err).Warn("Policy directory is not watched")
				}
			}

			logger.WithFields(map[string]interface{}{
				"previous": identity.Previous,
				"workers":  cfg.Pool.Workers,
				"store":    cfg.Store.Driver,
			}).Info("Worker started")

			select {
			case <-cmd.Context().Done():
				logger.Info("Received interrupt signal, shutting down")
			case <-gctx.Done():
				logger.Error("Worker component failed, shutting down")
			}

			graceful := svc.Shutdown(cfg.Jobs.ShutdownTimeout.D())
			cancelRun()
			err = g.Wait()
			if !graceful {
				logger.Warn("Flights were interrupted and are left for recovery")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply store migrations at startup")

	return cmd
}
