package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fnplane/fnplane/pkg/engine"
)

func newPendingCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List provisioning operations awaiting reconciliation",
		Long: `Pending lists the operations the reconciliation poller is still tracking,
oldest first, with their attempt counters and lease state.`,
		Example: `  # List pending operations
  fnplane pending

  # As JSON
  fnplane pending --json`,
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

			ops, err := store.ListPendingOperations(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			return writePendingOperations(cmd.OutOrStdout(), ops, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of operations to list")

	return cmd
}

func writePendingOperations(w io.Writer, ops []*engine.PendingOperation, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tKIND\tATTEMPTS\tLEASED\tUPDATED")
	for _, op := range ops {
		leased := "no"
		if op.Leased && op.LeasedAt != nil {
			leased = op.LeasedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			op.FunctionName,
			op.Kind,
			op.Attempts,
			op.MaxAttempts,
			leased,
			op.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	return tw.Flush()
}
