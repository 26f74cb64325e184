package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/core"
	"github.com/JonMunkholm/allocsync/internal/fetch"
)

// ParseOptions holds flags for the parse command.
type ParseOptions struct {
	*RootOptions
	Parser string
}

// NewParseCommand creates the parse command.
func NewParseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "parse <file|url>",
		Short: "Show what a parser extracts from a page, without writing anything",
		Long: `Parse a saved page or a live URL and print the candidate allocations and
the rows that would be skipped. No configuration or database is needed.

Example:
  allocsync parse ./ogun.html --parser ogun_allocations_v1
  allocsync parse https://example.gov/allocations --parser generic_period_amount_region --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return parsePage(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Parser, "parser", "p", "", "parser key (required)")
	_ = cmd.MarkFlagRequired("parser")

	return cmd
}

func parsePage(cmd *cobra.Command, opts *ParseOptions, target string) error {
	if _, ok := core.Get(opts.Parser); !ok {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("unknown parser %q (registered: %s)", opts.Parser, strings.Join(core.Keys(), ", ")))
	}

	target, err := toURL(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid target", err)
	}

	markup, err := fetch.New(fetch.Options{}).Fetch(cmd.Context(), target)
	if err != nil {
		return WrapExitError(ExitFailure, "fetch failed", err)
	}

	preview, err := core.Preview(markup, opts.Parser)
	if err != nil {
		return WrapExitError(ExitCommandError, "parse failed", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(preview, func(w io.Writer) { printPreview(w, preview) })
}

// toURL turns a local path into a file:// URL and passes URLs through.
func toURL(target string) (string, error) {
	if strings.Contains(target, "://") {
		return target, nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func printPreview(w io.Writer, p *core.PreviewResponse) {
	fmt.Fprintf(w, "Parser %s: %d rows, %d candidates, %d skipped\n\n",
		p.Parser, p.Summary.TotalRows, p.Summary.Candidates, p.Summary.ErrorRows)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tREGION\tPERIOD\tAMOUNT")
	for _, c := range p.Candidates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.Index, c.Region, c.Period, c.Amount)
	}
	_ = tw.Flush()

	if len(p.Errors) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tREASON\tCODE\tRAW")
	for _, e := range p.Errors {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Index, e.Reason, e.Code, strings.Join(e.Raw, " | "))
	}
	_ = tw.Flush()
}
