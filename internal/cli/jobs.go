package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// drainResult is what jobs drain prints.
type drainResult struct {
	Drained   int            `json:"drained"`
	Unhandled map[string]int `json:"unhandled,omitempty"`
}

func (r drainResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Drained %d job(s)", r.Drained)

	names := make([]string, 0, len(r.Unhandled))
	for name := range r.Unhandled {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s %d staged %q job(s) have no handler",
			color.New(color.FgYellow).Sprint("warning:"), r.Unhandled[name], name)
	}
	return b.String()
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage staged background jobs",
	}

	cmd.AddCommand(newJobsDrainCommand(rootOpts))
	return cmd
}

func newJobsDrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Dispatch one batch of staged jobs and exit",
		Long: `Dispatch one batch of staged jobs with registered handlers.

Handled jobs are deleted; jobs whose handler fails stay staged for the next
drain. Jobs with no handler are counted and reported.

Example:
  ridekey jobs drain --db ./ridekey.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return drainJobs(rootOpts, cmd)
		},
	}

	addStoreFlags(cmd.Flags())
	return cmd
}

func drainJobs(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(cmd, opts)

	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	out.VerboseLog("draining jobs %v from %s", a.jobs.Names(), a.cfg.Database)

	n, err := a.jobs.DrainOnce(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to drain jobs", err)
	}

	unhandled, err := a.jobs.Unhandled(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count staged jobs", err)
	}

	return out.Success(drainResult{Drained: n, Unhandled: unhandled})
}
