package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/config"
	"github.com/JonMunkholm/allocsync/internal/core"
	_ "github.com/JonMunkholm/allocsync/internal/core/parsers" // Register all parsers
	"github.com/JonMunkholm/allocsync/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	SourcesFile string
	DryRun      bool
	ShowSkipped bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [source-name...]",
		Short: "Ingest configured sources",
		Long: `Fetch every configured source, reconcile its rows and print a summary.

Sources run one after another. A failing source is reported and the next
one still runs. Names restrict the run to matching sources.

Example:
  allocsync run
  allocsync run "Ogun portal" --show-skipped
  allocsync run --dry-run --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSources(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.SourcesFile, "sources", "", "sources file (overrides SOURCES_FILE)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "reconcile into an in-memory store")
	cmd.Flags().BoolVar(&opts.ShowSkipped, "show-skipped", false, "list skipped rows")

	return cmd
}

func runSources(cmd *cobra.Command, opts *RunOptions, names []string) error {
	cfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := cfg.Sources.File
	if opts.SourcesFile != "" {
		path = opts.SourcesFile
	}
	sources, err := config.LoadSources(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load sources", err)
	}
	sources, err = selectSources(sources, names)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select sources", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up telemetry", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, opts.DryRun)
	if err != nil {
		return err
	}
	defer a.close()

	coord, err := a.coordinator(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	results := coord.RunAll(ctx, sources)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(runReports(results), func(w io.Writer) {
		printResults(w, results, opts.ShowSkipped)
	}); err != nil {
		return err
	}

	if failed := countOutcome(results, core.OutcomeFailed); failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d sources failed", failed, len(results)))
	}
	return nil
}

// selectSources keeps sources whose names match, case-insensitively. No
// names selects everything.
func selectSources(all []core.SourceConfig, names []string) ([]core.SourceConfig, error) {
	if len(names) == 0 {
		return all, nil
	}
	var out []core.SourceConfig
	for _, name := range names {
		found := false
		for _, sc := range all {
			if strings.EqualFold(sc.Name, strings.TrimSpace(name)) {
				out = append(out, sc)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("no configured source named %q", name)
		}
	}
	return out, nil
}

func countOutcome(results []core.RunResult, outcome core.RunOutcome) int {
	n := 0
	for _, r := range results {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

// RunReport is the JSON form of one source run.
type RunReport struct {
	RunID       string       `json:"run_id"`
	Source      string       `json:"source"`
	URL         string       `json:"url"`
	Outcome     string       `json:"outcome"`
	Stage       string       `json:"stage"`
	HaltedAt    string       `json:"halted_at,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Code        string       `json:"code,omitempty"`
	Error       string       `json:"error,omitempty"`
	Rows        int          `json:"rows"`
	Inserted    int          `json:"inserted"`
	Updated     int          `json:"updated"`
	Unchanged   int          `json:"unchanged"`
	Skipped     int          `json:"skipped"`
	SkippedRows []SkipReport `json:"skipped_rows,omitempty"`
	SnapshotKey string       `json:"snapshot_key,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
}

// SkipReport describes one skipped row.
type SkipReport struct {
	Index  int      `json:"index"`
	Reason string   `json:"reason"`
	Code   string   `json:"code"`
	Detail string   `json:"detail,omitempty"`
	Raw    []string `json:"raw"`
}

func runReports(results []core.RunResult) []RunReport {
	out := make([]RunReport, 0, len(results))
	for _, r := range results {
		rep := RunReport{
			RunID:       r.RunID.String(),
			Source:      r.SourceName,
			URL:         r.SourceURL,
			Outcome:     string(r.Outcome),
			Stage:       string(r.Stage),
			HaltedAt:    string(r.HaltedAt),
			Reason:      string(r.Reason),
			Error:       r.Error,
			Rows:        r.TotalRows,
			Inserted:    r.Inserted,
			Updated:     r.Updated,
			Unchanged:   r.Unchanged,
			Skipped:     r.Skipped,
			SnapshotKey: r.SnapshotKey,
			DurationMs:  r.Duration.Milliseconds(),
		}
		if r.Reason != "" {
			rep.Code = core.MapSkip(r.Reason).Code
		}
		for _, row := range r.SkippedRows() {
			rep.SkippedRows = append(rep.SkippedRows, SkipReport{
				Index:  row.Index,
				Reason: string(row.Reason),
				Code:   core.MapSkip(row.Reason).Code,
				Detail: row.Detail,
				Raw:    row.Raw,
			})
		}
		out = append(out, rep)
	}
	return out
}

func printResults(w io.Writer, results []core.RunResult, showSkipped bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tOUTCOME\tROWS\tINSERTED\tUPDATED\tUNCHANGED\tSKIPPED\tDURATION")
	for _, r := range results {
		outcome := string(r.Outcome)
		if r.Reason != "" {
			outcome += " (" + string(r.Reason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.SourceName, outcome, r.TotalRows, r.Inserted, r.Updated, r.Unchanged, r.Skipped,
			r.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()

	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "\n%s: %s\n", r.SourceName, r.Error)
		}
		if !showSkipped {
			continue
		}
		for _, row := range r.SkippedRows() {
			fmt.Fprintf(w, "  %s row %d: %s [%s] %s\n",
				r.SourceName, row.Index, row.Reason, core.MapSkip(row.Reason).Code, strings.Join(row.Raw, " | "))
		}
	}
}
