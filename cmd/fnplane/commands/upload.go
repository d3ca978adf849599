package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnplane/fnplane/pkg/artifacts"
	"github.com/fnplane/fnplane/pkg/engine"
)

func newUploadCommand() *cobra.Command {
	var (
		bucket string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "upload <file.zip>",
		Short: "Upload a function bundle to the artifact store",
		Long: `Upload puts a zip bundle into the configured artifact store and prints the
location to reference in a deployment request.

The bucket defaults to artifacts.defaultBucket and the key to the file name.`,
		Example: `  # Upload to the default bucket
  fnplane upload build/orders.zip

  # Upload under an explicit key
  fnplane upload build/orders.zip --bucket releases --key orders/v2.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := newArtifactStore(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("no artifact store configured, set artifacts.driver")
			}

			loc := engine.ArtifactLocation{Bucket: bucket, Key: key}
			if loc.Bucket == "" {
				loc.Bucket = cfg.Artifacts.DefaultBucket
			}
			if loc.Key == "" {
				loc.Key = filepath.Base(args[0])
			}
			if err := loc.Validate(); err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open bundle: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("failed to stat bundle: %w", err)
			}

			log.Info().
				Str("backend", store.Name()).
				Str("location", loc.String()).
				Int64("size", info.Size()).
				Msg("Uploading bundle")

			if err := store.Put(cmd.Context(), f, info.Size(), loc.Key, loc.Bucket, artifacts.ZipContentType); err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(loc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Uploaded %s\n", loc)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "target bucket")
	cmd.Flags().StringVar(&key, "key", "", "object key")

	return cmd
}
