package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/recovery"
	"github.com/openfroyo/flightdeck/pkg/stores"
)

// requeuer hands recovered flights back to the shared queue instead of
// running them.
type requeuer struct {
	ctx   context.Context
	store *stores.SQLStore
	owner string
}

func (r *requeuer) Submit(flightID string) error {
	_, err := r.store.Handoff(r.ctx, flightID, r.owner)
	return err
}

func newRecoverCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Requeue flights of dead workers",
		Long: `Run one recovery pass from outside the cluster. Flights owned by workers
that are no longer live are claimed and put back on the shared queue, where
the next serving worker picks them up.

Serving workers already do this on every membership change; the command is
for clusters where every worker is down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			identity := cliIdentity()
			a, err := newApp(cmd.Context(), cfg, identity, opts.version)
			if err != nil {
				return err
			}
			defer a.Close()

			members, err := a.newMembership()
			if err != nil {
				return err
			}
			manager, err := recovery.NewManager(a.store, members,
				&requeuer{ctx: cmd.Context(), store: a.store, owner: identity.ID},
				recovery.Config{Identity: identity, Telemetry: a.tel})
			if err != nil {
				return err
			}
			report, err := manager.Recover(cmd.Context())
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), opts.output(), report, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Obsolete owners:\t%s\n", listOrDash(report.Obsolete))
				fmt.Fprintf(tw, "Claimed:\t%d\n", len(report.Claimed))
				fmt.Fprintf(tw, "Requeued:\t%d\n", report.Resubmitted)
			})
		},
	}
}

func listOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	for i, s := range list {
		if s == "" {
			list[i] = "(queue)"
		}
	}
	return strings.Join(list, ", ")
}
