package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/config"
)

// SourceReport is the JSON form of one configured source.
type SourceReport struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Kind         string `json:"kind"`
	Parser       string `json:"parser,omitempty"`
	Jurisdiction string `json:"jurisdiction"`
	Active       bool   `json:"active"`
}

// NewSourcesCommand creates the sources command.
func NewSourcesCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Validate and list the configured sources",
		Long: `Load the sources file, validate every entry and print it. Parser keys
are checked against the registry. No database is needed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSources(cmd, rootOpts, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "sources.yaml", "sources file")
	return cmd
}

func listSources(cmd *cobra.Command, opts *RootOptions, file string) error {
	if env := os.Getenv("SOURCES_FILE"); env != "" && !cmd.Flags().Changed("file") {
		file = env
	}
	sources, err := config.LoadSources(file)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sources file", err)
	}

	reports := make([]SourceReport, 0, len(sources))
	for _, sc := range sources {
		reports = append(reports, SourceReport{
			Name:         sc.Name,
			URL:          sc.URL,
			Kind:         sc.Kind,
			Parser:       sc.Parser,
			Jurisdiction: sc.Jurisdiction.Code,
			Active:       sc.Active,
		})
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(reports, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tJURISDICTION\tKIND\tPARSER\tACTIVE\tURL")
		for _, r := range reports {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", r.Name, r.Jurisdiction, r.Kind, r.Parser, r.Active, r.URL)
		}
		_ = tw.Flush()
	})
}
