package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/config"
)

func newConfigCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(newConfigShowCommand(opts))
	cmd.AddCommand(newConfigValidateCommand(opts))
	return cmd
}

func newConfigShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after unifying every --config source with the
defaults and applying flag and environment overrides. The table format
prints YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			format := opts.output()
			if format == "table" || format == "" {
				format = "yaml"
			}
			return render(cmd.OutOrStdout(), format, cfg, nil)
		},
	}
}

func newConfigValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Example: `  flightdeck config validate -c base.cue -c host.cue`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if _, err := config.NewAdmission(cfg.Classes, 0, nil); err != nil {
				return err
			}

			classes := make([]string, 0, len(cfg.Classes))
			for name, class := range cfg.Classes {
				if class.Disabled {
					name += " (disabled)"
				}
				classes = append(classes, name)
			}
			sort.Strings(classes)

			summary := map[string]interface{}{
				"valid":      true,
				"store":      cfg.Store.Driver,
				"membership": cfg.Membership.Mode,
				"classes":    classes,
			}
			return render(cmd.OutOrStdout(), opts.output(), summary, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Store:\t%s\n", cfg.Store.Driver)
				fmt.Fprintf(tw, "Membership:\t%s\n", cfg.Membership.Mode)
				fmt.Fprintf(tw, "Pool workers:\t%d\n", cfg.Pool.Workers)
				fmt.Fprintf(tw, "Configured classes:\t%s\n", listOrDash(classes))
				fmt.Fprintln(tw, "Configuration is valid")
			})
		},
	}
}
