package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show application state from the database",
		Long: `Status reads application records straight from the configured database.

With a name it shows that application, otherwise it lists applications
ordered by name. It does not need a running server.`,
		Example: `  # List all applications
  fnplane status

  # Show one application as JSON
  fnplane status orders-api --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			var apps []*engine.Application
			if len(args) == 1 {
				app, err := store.GetApplication(cmd.Context(), args[0])
				if errors.Is(err, stores.ErrNotFound) {
					return engine.NewApplicationNotFoundError(args[0])
				}
				if err != nil {
					return err
				}
				apps = append(apps, app)
			} else {
				apps, err = store.ListApplications(cmd.Context(), limit, 0)
				if err != nil {
					return fmt.Errorf("failed to list applications: %w", err)
				}
			}

			log.Debug().Int("count", len(apps)).Msg("Applications loaded")
			return writeApplications(cmd.OutOrStdout(), apps, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of applications to list")

	return cmd
}

func writeApplications(w io.Writer, apps []*engine.Application, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(apps)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tFUNCTION\tARTIFACT\tUPDATED\tERROR")
	for _, app := range apps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			app.Name,
			app.State,
			app.FunctionName,
			app.Artifact,
			app.UpdatedAt.UTC().Format(time.RFC3339),
			deref(app.Error),
		)
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
