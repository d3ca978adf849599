package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fnplane/fnplane/pkg/api"
	"github.com/fnplane/fnplane/pkg/config"
	"github.com/fnplane/fnplane/pkg/deployment"
	"github.com/fnplane/fnplane/pkg/events"
	"github.com/fnplane/fnplane/pkg/gateway"
	"github.com/fnplane/fnplane/pkg/reconciler"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
	"github.com/fnplane/fnplane/pkg/worker"
)

type serveOptions struct {
	api     bool
	worker  bool
	poller  bool
	address string
}

func newServeCommand(version string) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, lifecycle worker and reconciliation poller",
		Long: `Serve runs the orchestrator. By default the HTTP API, the lifecycle event
worker and the reconciliation poller all run in this process.

Components can be disabled to split them across processes. Splitting the
API from the worker requires the kafka event bus, since the in-memory bus
only delivers within one process.`,
		Example: `  # Run everything with the default configuration
  fnplane serve

  # Run with a config file on another address
  fnplane serve -c fnplane.yaml --address :9090

  # Run only the worker and poller against kafka
  fnplane serve -c fnplane.yaml --api=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.api, "api", true, "run the HTTP API")
	cmd.Flags().BoolVar(&opts.worker, "worker", true, "run the lifecycle event worker")
	cmd.Flags().BoolVar(&opts.poller, "poller", true, "run the reconciliation poller")
	cmd.Flags().StringVar(&opts.address, "address", "", "override the API listen address")

	return cmd
}

func runServe(ctx context.Context, version string, opts *serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if !opts.api && !opts.worker && !opts.poller {
		return errors.New("nothing to run: --api, --worker and --poller are all disabled")
	}
	if cfg.Events.Driver == config.EventsMemory && opts.api != opts.worker {
		return errors.New("the memory event bus needs the API and the worker in one process")
	}

	tel, err := newTelemetry(cfg, version)
	if err != nil {
		return err
	}
	logger := tel.Logger.Zerolog()
	defer func() {
		if serr := tel.Shutdown(context.Background()); serr != nil {
			logger.Warn().Err(serr).Msg("telemetry shutdown failed")
		}
	}()

	store, err := openStore(ctx, cfg.Database, cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close store")
		}
	}()

	bus, err := newBus(cfg.Events, logger, tel.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() {
		if cerr := bus.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to close event bus")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if opts.worker || opts.poller {
		prov, err := newProvisioner(ctx, cfg, tel)
		if err != nil {
			return err
		}

		if opts.worker {
			w, err := worker.New(worker.Config{
				Store:       store,
				Provisioner: prov,
				MaxAttempts: cfg.Poller.MaxAttempts,
				Logger:      logger,
				Metrics:     tel.Metrics,
				Tracer:      tel.Tracer,
			})
			if err != nil {
				return err
			}
			g.Go(func() error {
				return w.Run(ctx, bus)
			})
		}

		if opts.poller {
			p, err := reconciler.New(reconciler.Config{
				Store:       store,
				Provisioner: prov,
				Interval:    cfg.Poller.Interval,
				BatchSize:   cfg.Poller.BatchSize,
				LeaseTTL:    cfg.Poller.LeaseTTL,
				Logger:      logger,
				Metrics:     tel.Metrics,
				Tracer:      tel.Tracer,
			})
			if err != nil {
				return err
			}
			g.Go(func() error {
				return p.Run(ctx)
			})
		}
	}

	if opts.api {
		srv, err := newAPIServer(ctx, cfg, tel, store, bus)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}

	g.Go(func() error {
		return tel.ServeMetrics(ctx)
	})

	log.Info().
		Str("address", cfg.Server.Address).
		Bool("api", opts.api).
		Bool("worker", opts.worker).
		Bool("poller", opts.poller).
		Str("events", cfg.Events.Driver).
		Str("provisioner", cfg.Provisioner.Driver).
		Msg("fnplane started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("fnplane stopped")
	return nil
}

func newAPIServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, store stores.Store, bus events.Publisher) (*api.Server, error) {
	logger := tel.Logger.Zerolog()

	eng, err := newPolicyEngine(ctx, cfg.Policy, logger)
	if err != nil {
		return nil, err
	}
	var admitter deployment.Admitter
	if eng != nil {
		admitter = eng
	}

	svc, err := deployment.NewService(deployment.Config{
		Store:     store,
		Publisher: bus,
		Admitter:  admitter,
		Logger:    logger,
		Metrics:   tel.Metrics,
		Tracer:    tel.Tracer,
	})
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(gateway.Config{
		Applications: store,
		Timeout:      cfg.Gateway.Timeout,
		Logger:       logger,
		Metrics:      tel.Metrics,
	})
	if err != nil {
		return nil, err
	}

	blobs, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	return api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		Deployments:     svc,
		Invoker:         gw,
		Artifacts:       blobs,
		DefaultBucket:   cfg.Artifacts.DefaultBucket,
		Health:          store,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		RetryAfter:      cfg.Gateway.RetryAfter,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
		Metrics:         tel.Metrics,
	})
}
