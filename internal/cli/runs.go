package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "runs",
		Short:         "List recent ingest runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(cmd, rootOpts, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func listRuns(cmd *cobra.Command, opts *RootOptions, limit int) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	runs, err := core.NewService(a.store).RecentRuns(cmd.Context(), limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(runs, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSOURCE\tOUTCOME\tINSERTED\tUPDATED\tUNCHANGED\tSKIPPED")
		for _, r := range runs {
			outcome := string(r.Outcome)
			if r.Reason != "" {
				outcome += " (" + string(r.Reason) + ")"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				r.StartedAt.Local().Format(time.DateTime), r.SourceName, outcome,
				r.Inserted, r.Updated, r.Unchanged, r.Skipped)
		}
		_ = tw.Flush()
	})
}
