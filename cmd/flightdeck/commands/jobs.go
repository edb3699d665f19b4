package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/policy"
)

type jobsOptions struct {
	*globalOptions
	subject string
	email   string
	readAll bool
}

func (o *jobsOptions) principal() policy.Principal {
	return policy.Principal{SubjectID: o.subject, Email: o.email, ReadAllJobs: o.readAll}
}

// withService runs fn against a job service backed by an unstarted pool.
// Jobs submitted through it are queued for the serving workers.
func (o *jobsOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, a *app, svc *jobs.Service) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cliIdentity(), o.version)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.newService()
	if err != nil {
		return err
	}
	defer svc.Shutdown(0)
	return fn(cmd.Context(), a, svc)
}

func newJobsCommand(opts *globalOptions) *cobra.Command {
	o := &jobsOptions{globalOptions: opts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect jobs",
		Long: `Submit and inspect jobs in the state store.

Submitted jobs are queued; a running "flightdeck serve" worker picks them up
on its next recovery pass. Every command acts on behalf of --subject, which
the job policy uses to decide what may be read or released.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.subject, "subject", os.Getenv("USER"), "subject the command acts for")
	pf.StringVar(&o.email, "email", "", "email of the subject")
	pf.BoolVar(&o.readAll, "read-all", false, "request access to every job")

	cmd.AddCommand(newJobsSubmitCommand(o))
	cmd.AddCommand(newJobsListCommand(o))
	cmd.AddCommand(newJobsStatusCommand(o))
	cmd.AddCommand(newJobsResultCommand(o))
	cmd.AddCommand(newJobsReleaseCommand(o))
	cmd.AddCommand(newJobsHistoryCommand(o))

	return cmd
}

func newJobsSubmitCommand(o *jobsOptions) *cobra.Command {
	var (
		inputs      []string
		inputsFile  string
		description string
		wait        bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit CLASS",
		Short: "Submit a job",
		Example: `  # Greet someone
  flightdeck jobs submit greet --input name=alice

  # Ingest a file and wait for it
  flightdeck jobs submit ingest.file --input source=/srv/in/rows.csv --wait --timeout 5m

  # Inputs from a YAML file; --input values override it
  flightdeck jobs submit report --inputs-file report.yaml --input days=30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInputs(inputsFile, inputs)
			if err != nil {
				return err
			}
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				id, err := svc.Submit(ctx, o.principal(), args[0], description, in)
				if err != nil {
					return err
				}
				if !wait {
					return render(cmd.OutOrStdout(), o.output(), map[string]string{"job_id": id}, func(tw *tabwriter.Writer) {
						fmt.Fprintln(tw, id)
					})
				}

				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				res, err := svc.Wait(ctx, o.principal(), id)
				if err != nil {
					return fmt.Errorf("job %s: %w", id, err)
				}
				return renderResult(cmd, o.output(), res)
			})
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input as key=value; values are parsed as JSON when possible (repeatable)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "YAML or JSON file holding the inputs")
	cmd.Flags().StringVar(&description, "description", "", "description of the job")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish and print its result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")

	return cmd
}

// parseInputs merges the inputs file with key=value pairs.
func parseInputs(file string, pairs []string) (map[string]interface{}, error) {
	in := make(map[string]interface{})
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs: %w", err)
		}
		if err := yaml.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("failed to parse inputs %s: %w", file, err)
		}
		if in == nil {
			in = make(map[string]interface{})
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: want key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		in[key] = v
	}
	return in, nil
}

func newJobsListCommand(o *jobsOptions) *cobra.Command {
	var (
		req  jobs.EnumerateRequest
		desc bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if desc {
				req.Direction = jobs.SortDesc
			}
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				page, err := svc.Enumerate(ctx, o.principal(), req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output(), page, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tCLASS\tSTATUS\tFLIGHT\tSUBJECT\tSUBMITTED\tCOMPLETED")
					for _, j := range page.Jobs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							j.ID, j.Class, j.Status, j.FlightStatus, j.SubjectID,
							formatTime(&j.SubmittedAt), formatTime(j.CompletedAt))
					}
					fmt.Fprintf(tw, "\n%d-%d of %d\n", page.Offset+min(1, len(page.Jobs)), page.Offset+len(page.Jobs), page.Total)
				})
			})
		},
	}

	cmd.Flags().IntVar(&req.Offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "page size (default jobs.default_limit)")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	cmd.Flags().StringVar(&req.Class, "class", "", "only jobs of this class")
	cmd.Flags().StringSliceVar(&req.IDs, "id", nil, "only these job IDs (repeatable)")

	return cmd
}

func newJobsStatusCommand(o *jobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				job, err := svc.RetrieveStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output(), job, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "ID:\t%s\n", job.ID)
					fmt.Fprintf(tw, "Class:\t%s\n", job.Class)
					if job.Description != "" {
						fmt.Fprintf(tw, "Description:\t%s\n", job.Description)
					}
					fmt.Fprintf(tw, "Status:\t%s (%s)\n", job.Status, job.FlightStatus)
					fmt.Fprintf(tw, "Status code:\t%d\n", job.StatusCode)
					fmt.Fprintf(tw, "Subject:\t%s\n", job.SubjectID)
					fmt.Fprintf(tw, "Submitted:\t%s\n", formatTime(&job.SubmittedAt))
					fmt.Fprintf(tw, "Completed:\t%s\n", formatTime(job.CompletedAt))
				})
			})
		},
	}
}

func newJobsResultCommand(o *jobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result JOB_ID",
		Short: "Show the result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				res, err := svc.RetrieveResult(ctx, o.principal(), args[0])
				if err != nil {
					return err
				}
				return renderResult(cmd, o.output(), res)
			})
		},
	}
}

func renderResult(cmd *cobra.Command, format string, res *jobs.Result) error {
	return render(cmd.OutOrStdout(), format, res, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Job:\t%s\n", res.JobID)
		fmt.Fprintf(tw, "Status code:\t%d\n", res.StatusCode)
		if len(res.Response) > 0 {
			fmt.Fprintf(tw, "Response:\t%s\n", res.Response)
		}
	})
}

func newJobsReleaseCommand(o *jobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "release JOB_ID...",
		Aliases: []string{"rm"},
		Short:   "Delete finished jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				for _, id := range args {
					if err := svc.Release(ctx, o.principal(), id); err != nil {
						return fmt.Errorf("job %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", id)
				}
				return nil
			})
		},
	}
}

func newJobsHistoryCommand(o *jobsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history JOB_ID",
		Short: "Show the step log of a job",
		Long: `Show the step log of a job: one line per step attempt, in both
directions. The log is only written when store.flight_log is enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd, func(ctx context.Context, a *app, svc *jobs.Service) error {
				// checks that the job exists and may be read
				if _, err := svc.RetrieveResult(ctx, o.principal(), args[0]); err != nil {
					return err
				}
				entries, err := a.store.ListLog(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output(), entries, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "TIME\tSTEP\tNAME\tDIRECTION\tSTEP STATUS\tFLIGHT\tWORKER\tERROR")
					for _, e := range entries {
						msg := "-"
						if e.Error != nil {
							msg = *e.Error
						}
						fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
							formatTime(&e.LoggedAt), e.StepIndex, e.StepName, e.Direction,
							e.StepStatus, e.FlightStatus, e.Worker, msg)
					}
				})
			})
		},
	}
}
