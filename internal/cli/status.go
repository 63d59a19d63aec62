package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DerekHarter/kinect-skeleton-tracking/internal/state"
)

func (a *App) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the outcome of the most recent run",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			workDir, err := a.workDir()
			if err != nil {
				return err
			}
			store, err := state.NewStore(workDir)
			if err != nil {
				return internalErr(err)
			}
			run, err := store.LatestRun()
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(a.Stdout, "no recorded runs")
					return nil
				}
				return internalErr(fmt.Errorf("read run journal: %w", err))
			}
			a.printRun(run)
			return nil
		},
	}
}

func (a *App) printRun(run state.Run) {
	mode := ""
	if run.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(a.Stdout, "run %s%s\n", run.RunID, mode)
	fmt.Fprintf(a.Stdout, "  started   %s\n", run.StartTime.Format(time.RFC3339))
	fmt.Fprintf(a.Stdout, "  duration  %dms\n", run.Duration)
	fmt.Fprintf(a.Stdout, "  targets   %v\n", run.Targets)
	fmt.Fprintf(a.Stdout, "  policy    %s, strategy %s\n", run.Policy, run.Strategy)
	fmt.Fprintf(a.Stdout, "  outcome   built %d, fresh %d, failed %d, skipped %d (exit %d)\n",
		run.Built, run.Fresh, run.Failed, run.Skipped, run.ExitCode)

	names := make([]string, 0, len(run.Status))
	for name := range run.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "  %s\t%s\n", name, run.Status[name])
	}
	_ = tw.Flush()
}
