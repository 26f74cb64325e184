package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create jurisdictions and regions from a JSON list",
		Long: `Resolve every region listed in a seed file so that later runs match
existing regions instead of creating them. Seeding is idempotent.

The file is a JSON array:
  [{"state": "Ogun", "code": "OG", "lgas": ["Abeokuta North", "Ifo"]}]`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return seedRegions(cmd, rootOpts, args[0])
		},
	}
}

func seedRegions(cmd *cobra.Command, opts *RootOptions, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open seed file", err)
	}
	defer f.Close()

	seed, err := core.ParseSeed(f)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid seed file", err)
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := core.Seed(cmd.Context(), core.NewResolver(a.store, a.cache), seed)
	if err != nil {
		return WrapExitError(ExitFailure, "seed interrupted", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if err := out.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Seeded %d jurisdictions, %d regions\n", res.Jurisdictions, res.Regions)
		for _, f := range res.Failed {
			fmt.Fprintf(w, "  failed: %s\n", f)
		}
	}); err != nil {
		return err
	}

	if len(res.Failed) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entries failed", len(res.Failed)))
	}
	return nil
}
