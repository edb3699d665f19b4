package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/flightdeck/pkg/config"
)

// globalOptions are the persistent flags. Each flag can also be set through
// the environment as FLIGHTDECK_<FLAG>, e.g. FLIGHTDECK_STORE_DSN.
type globalOptions struct {
	v       *viper.Viper
	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{v: viper.New(), version: version}

	rootCmd := &cobra.Command{
		Use:   "flightdeck",
		Short: "flightdeck - durable workflow engine",
		Long: `flightdeck runs flights: multi-step workflows whose every step has an
undo. Flight state is checkpointed to a shared SQL store after each step, so a
flight survives the worker that runs it; surviving workers reclaim and resume
it.

A deployment runs one or more "flightdeck serve" workers against the same
store. The jobs commands submit and inspect flights from anywhere that can
reach the store.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringSliceP("config", "c", nil, "configuration file or directory (repeatable)")
	pf.String("worker-id", "", "worker identity (overrides worker.id)")
	pf.String("store-driver", "", "state store driver: sqlite or postgres")
	pf.String("store-dsn", "", "state store DSN")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.StringP("output", "o", "table", "output format: table, json or yaml")

	_ = opts.v.BindPFlags(pf)
	opts.v.SetEnvPrefix("FLIGHTDECK")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()
	_ = opts.v.BindEnv("log-level", "FLIGHTDECK_LOG_LEVEL", "LOG_LEVEL")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newJobsCommand(opts))
	rootCmd.AddCommand(newRecoverCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))

	return rootCmd
}

// loadConfig reads the configuration files and applies flag and
// environment overrides on top.
func (o *globalOptions) loadConfig() (*config.EngineConfig, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load(o.v.GetStringSlice("config")...)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{"worker-id", &cfg.Worker.ID},
		{"store-driver", &cfg.Store.Driver},
		{"store-dsn", &cfg.Store.DSN},
		{"log-level", &cfg.Telemetry.LogLevel},
		{"log-format", &cfg.Telemetry.LogFormat},
	}
	for _, ov := range overrides {
		if s := o.v.GetString(ov.key); s != "" {
			*ov.dst = s
		}
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *globalOptions) output() string {
	return o.v.GetString("output")
}
