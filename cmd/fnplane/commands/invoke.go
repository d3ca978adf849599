package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/provisioner"
	"github.com/fnplane/fnplane/pkg/stores"
)

func newInvokeCommand(version string) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke an application's function through the provider API",
		Long: `Invoke calls the application's function synchronously through the
configured provisioner instead of its function URL. It is meant for checking
a deployment from an operator machine and needs no running server.

The payload is taken from --data, or read from stdin when --data is "-".`,
		Example: `  # Invoke with an inline payload
  fnplane invoke orders-api --data '{"id": 42}'

  # Pipe the payload in
  echo '{}' | fnplane invoke orders-api --data -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(data)
			if data == "-" {
				var err error
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(cfg, version)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			store, err := openStore(cmd.Context(), cfg.Database, false)
			if err != nil {
				return err
			}
			defer store.Close()

			prov, err := newProvisioner(cmd.Context(), cfg, tel)
			if err != nil {
				return err
			}

			res, err := invokeApplication(cmd.Context(), store, prov, args[0], payload)
			if err != nil {
				return err
			}
			return writeInvokeResult(cmd.OutOrStdout(), res, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", `request payload, "-" reads stdin`)

	return cmd
}

// invokeApplication invokes the function of an ACTIVE application.
func invokeApplication(ctx context.Context, apps stores.Queries, prov provisioner.Provisioner, name string, payload []byte) (*provisioner.InvokeResult, error) {
	app, err := apps.GetApplication(ctx, name)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewApplicationNotFoundError(name)
	}
	if err != nil {
		return nil, err
	}
	if app.State != engine.StateActive {
		return nil, fmt.Errorf("application %s is %s, not %s", name, app.State, engine.StateActive)
	}
	return prov.Invoke(ctx, app.FunctionName, payload)
}

func writeInvokeResult(w io.Writer, res *provisioner.InvokeResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			StatusCode int               `json:"statusCode"`
			Headers    map[string]string `json:"headers,omitempty"`
			Body       string            `json:"body"`
		}{res.StatusCode, res.Headers, string(res.Body)})
	}

	fmt.Fprintf(w, "Status: %d\n", res.StatusCode)
	keys := make([]string, 0, len(res.Headers))
	for k := range res.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, res.Headers[k])
	}
	fmt.Fprintln(w)
	_, err := w.Write(res.Body)
	if err == nil && len(res.Body) > 0 && res.Body[len(res.Body)-1] != '\n' {
		_, err = fmt.Fprintln(w)
	}
	return err
}
