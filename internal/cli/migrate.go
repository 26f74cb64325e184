package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/allocsync/internal/database"
	"github.com/JonMunkholm/allocsync/internal/database/sqlite"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Create the tables and indexes used by allocsync. Every statement is
idempotent, so migrate is safe to run against an existing database.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd, rootOpts)
		},
	}
}

func migrate(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	switch cfg.Database.Driver {
	case "sqlite":
		// Open applies the schema.
		st, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to migrate sqlite database", err)
		}
		_ = st.Close()
	default:
		pool, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to database", err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return WrapExitError(ExitCommandError, "failed to migrate database", err)
		}
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(map[string]string{"driver": cfg.Database.Driver}, func(w io.Writer) {
		fmt.Fprintf(w, "Schema applied (%s)\n", cfg.Database.Driver)
	})
}
