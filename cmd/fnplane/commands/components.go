package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fnplane/fnplane/pkg/artifacts"
	"github.com/fnplane/fnplane/pkg/cloud"
	"github.com/fnplane/fnplane/pkg/config"
	"github.com/fnplane/fnplane/pkg/events"
	"github.com/fnplane/fnplane/pkg/policy"
	"github.com/fnplane/fnplane/pkg/provisioner"
	"github.com/fnplane/fnplane/pkg/stores"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// loadConfig loads the --config file, or defaults plus environment when no
// file is given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	log.Debug().Str("config", configPath).Msg("Configuration loaded")
	return cfg, nil
}

func newTelemetry(cfg *config.Config, version string) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// openStore opens and initializes the configured store. Migrations run when
// migrate is set.
func openStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (stores.Store, error) {
	var (
		store stores.Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err = stores.NewPostgresStore(stores.PostgresConfig{
			URL:             cfg.URL,
			MaxConns:        int32(cfg.MaxConns),
			MaxConnLifetime: cfg.ConnMaxLifetime,
		})
	default:
		store, err = stores.NewSQLiteStore(stores.Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Driver, err)
	}

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

func newBus(cfg config.EventsConfig, logger zerolog.Logger, metrics *telemetry.Metrics) (events.Bus, error) {
	opts := events.Options{
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Logger:         logger,
		Metrics:        metrics,
	}

	switch cfg.Driver {
	case config.EventsKafka:
		return events.NewKafkaBus(events.KafkaConfig{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			GroupID:   cfg.Kafka.GroupID,
			Consumers: cfg.Kafka.Consumers,
		}, opts)
	default:
		return events.NewMemoryBus(cfg.Memory.Lanes, cfg.Memory.Buffer, opts), nil
	}
}

func awsConfig(cfg *config.Config) cloud.AWSConfig {
	return cloud.AWSConfig{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
		Timeout:         cfg.Provisioner.Timeout,
	}
}

// newProvisioner builds the configured provisioner wrapped with metrics and
// tracing.
func newProvisioner(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (provisioner.Provisioner, error) {
	logger := tel.Logger.Zerolog()

	var (
		p   provisioner.Provisioner
		err error
	)
	switch cfg.Provisioner.Driver {
	case config.ProvisionerLambda:
		p, err = provisioner.NewLambdaClient(ctx, provisioner.LambdaConfig{
			AWS:     awsConfig(cfg),
			RoleARN: cfg.Provisioner.Lambda.RoleARN,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create lambda provisioner: %w", err)
		}
	default:
		logger.Warn().Msg("using the in-memory fake provisioner, no functions will be deployed")
		p = provisioner.NewFake(cfg.Provisioner.Fake.BaseURL, cfg.Provisioner.Fake.PendingChecks)
	}

	return provisioner.Instrument(p, tel.Metrics, tel.Tracer), nil
}

// newArtifactStore returns nil when no artifact store is configured.
func newArtifactStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (artifacts.Store, error) {
	switch cfg.Artifacts.Driver {
	case config.ArtifactsS3:
		aws := awsConfig(cfg)
		aws.Timeout = 0
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			AWS:       aws,
			PathStyle: cfg.Artifacts.S3.PathStyle,
		}, logger)
	case config.ArtifactsMinio:
		return artifacts.NewMinioStore(artifacts.MinioConfig{
			Endpoint:      cfg.Artifacts.Minio.Endpoint,
			AccessKey:     cfg.Artifacts.Minio.AccessKey,
			SecretKey:     cfg.Artifacts.Minio.SecretKey,
			UseSSL:        cfg.Artifacts.Minio.UseSSL,
			CreateBuckets: cfg.Artifacts.Minio.CreateBuckets,
		}, logger)
	default:
		return nil, nil
	}
}

// newPolicyEngine returns nil when admission policies are disabled.
func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	switch {
	case cfg.Watch:
		if _, err := eng.Watch(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	case len(cfg.Paths) > 0:
		if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}
