package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Migrate applies all pending schema migrations to the configured database.

Migrations are embedded in the binary and are idempotent. Running migrate
against an up-to-date database is a no-op.`,
		Example: `  # Migrate the default SQLite database
  fnplane migrate

  # Migrate a PostgreSQL database
  FNPLANE_DATABASE_DRIVER=postgres FNPLANE_DATABASE_URL=postgres://localhost/fnplane fnplane migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().
				Str("driver", cfg.Database.Driver).
				Msg("Running migrations")

			store, err := openStore(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s database is up to date\n", cfg.Database.Driver)
			return nil
		},
	}

	return cmd
}
