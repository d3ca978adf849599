package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fnplane/fnplane/pkg/telemetry"
)

// Config is the fnplane process configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Events      EventsConfig      `yaml:"events"`
	AWS         AWSConfig         `yaml:"aws"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Poller      PollerConfig      `yaml:"poller"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Policy      PolicyConfig      `yaml:"policy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	// MaxUploadBytes bounds /helper/upload bodies.
	MaxUploadBytes int64    `yaml:"maxUploadBytes" validate:"gt=0"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=sqlite postgres"`
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
	// URL is the PostgreSQL connection string.
	URL             string        `yaml:"url" validate:"required_if=Driver postgres"`
	MaxConns        int           `yaml:"maxConns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" validate:"gte=0"`
	// AutoMigrate runs migrations on startup.
	AutoMigrate bool `yaml:"autoMigrate"`
}

// Event bus drivers.
const (
	EventsMemory = "memory"
	EventsKafka  = "kafka"
)

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	Driver         string        `yaml:"driver" validate:"required,oneof=memory kafka"`
	InitialBackoff time.Duration `yaml:"initialBackoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gtefield=InitialBackoff"`
	Memory         MemoryConfig  `yaml:"memory"`
	Kafka          KafkaConfig   `yaml:"kafka"`
}

// MemoryConfig configures the in-process bus.
type MemoryConfig struct {
	Lanes  int `yaml:"lanes" validate:"gt=0"`
	Buffer int `yaml:"buffer" validate:"gt=0"`
}

// KafkaConfig configures the Kafka bus.
type KafkaConfig struct {
	Brokers   []string `yaml:"brokers" validate:"dive,hostname_port"`
	Topic     string   `yaml:"topic"`
	GroupID   string   `yaml:"groupID"`
	Consumers int      `yaml:"consumers" validate:"gte=0"`
}

// AWSConfig is shared by the Lambda provisioner and the S3 artifact store.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	SessionToken    string `yaml:"sessionToken"`
}

// Provisioner drivers.
const (
	ProvisionerLambda = "lambda"
	ProvisionerFake   = "fake"
)

// ProvisionerConfig selects the function provider.
type ProvisionerConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=lambda fake"`
	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Lambda  LambdaConfig  `yaml:"lambda"`
	Fake    FakeConfig    `yaml:"fake"`
}

// LambdaConfig configures the AWS Lambda provisioner.
type LambdaConfig struct {
	RoleARN string `yaml:"roleARN"`
}

// FakeConfig configures the in-memory provisioner used for local runs.
type FakeConfig struct {
	BaseURL       string `yaml:"baseURL" validate:"omitempty,url"`
	PendingChecks int    `yaml:"pendingChecks" validate:"gte=0"`
}

// Artifact store drivers.
const (
	ArtifactsNone  = "none"
	ArtifactsS3    = "s3"
	ArtifactsMinio = "minio"
)

// ArtifactsConfig selects the artifact store behind /helper/upload.
type ArtifactsConfig struct {
	Driver        string      `yaml:"driver" validate:"required,oneof=none s3 minio"`
	DefaultBucket string      `yaml:"defaultBucket"`
	S3            S3Config    `yaml:"s3"`
	Minio         MinioConfig `yaml:"minio"`
}

// S3Config configures the S3 artifact store.
type S3Config struct {
	PathStyle bool `yaml:"pathStyle"`
}

// MinioConfig configures the MinIO artifact store.
type MinioConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	UseSSL        bool   `yaml:"useSSL"`
	CreateBuckets bool   `yaml:"createBuckets"`
}

// PollerConfig configures reconciliation.
type PollerConfig struct {
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize int           `yaml:"batchSize" validate:"gt=0,lte=10000"`
	LeaseTTL  time.Duration `yaml:"leaseTTL" validate:"gtfield=Interval"`
	// MaxAttempts bounds status checks of one pending operation.
	MaxAttempts int `yaml:"maxAttempts" validate:"gt=0"`
}

// GatewayConfig configures invocation forwarding.
type GatewayConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// RetryAfter is advertised when an application is not ready yet.
	RetryAfter time.Duration `yaml:"retryAfter" validate:"gte=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	ServiceName string            `yaml:"serviceName" validate:"required"`
	Environment string            `yaml:"environment"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Attributes  map[string]string `yaml:"attributes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `yaml:"endpoint"`
	SamplingRate float64           `yaml:"samplingRate" validate:"gte=0,lte=1"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
}

// MetricsConfig configures metrics.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listenAddress" validate:"omitempty,hostname_port"`
	Path          string `yaml:"path" validate:"startswith=/"`
}

// Default returns a configuration that runs locally with SQLite, the
// in-memory bus and the fake provisioner.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  64 << 20,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Driver:      DriverSQLite,
			Path:        "fnplane.db",
			AutoMigrate: true,
		},
		Events: EventsConfig{
			Driver:         EventsMemory,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Memory:         MemoryConfig{Lanes: 16, Buffer: 64},
			Kafka: KafkaConfig{
				Topic:     "fnplane.lifecycle",
				GroupID:   "fnplane-workers",
				Consumers: 1,
			},
		},
		Provisioner: ProvisionerConfig{
			Driver:  ProvisionerFake,
			Timeout: 30 * time.Second,
			Fake:    FakeConfig{BaseURL: "http://localhost:9000", PendingChecks: 1},
		},
		Artifacts: ArtifactsConfig{
			Driver:        ArtifactsNone,
			DefaultBucket: "fnplane-artifacts",
		},
		Poller: PollerConfig{
			Interval:    time.Second,
			BatchSize:   100,
			LeaseTTL:    5 * time.Minute,
			MaxAttempts: 60,
		},
		Gateway: GatewayConfig{
			Timeout:    30 * time.Second,
			RetryAfter: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "fnplane",
			Environment: "development",
			Logging:     LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
			Tracing:     TracingConfig{Exporter: "stdout", SamplingRate: 1.0, Insecure: true},
			Metrics:     MetricsConfig{Enabled: true, Path: "/metrics"},
		},
	}
}

// Load reads path over Default, applies FNPLANE_* environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch {
	case c.Events.Driver == EventsKafka && len(c.Events.Kafka.Brokers) == 0:
		return fmt.Errorf("invalid configuration: events.kafka.brokers is required for the kafka driver")
	case c.Events.Driver == EventsKafka && (c.Events.Kafka.Topic == "" || c.Events.Kafka.GroupID == ""):
		return fmt.Errorf("invalid configuration: events.kafka.topic and events.kafka.groupID are required for the kafka driver")
	case c.Provisioner.Driver == ProvisionerLambda && c.Provisioner.Lambda.RoleARN == "":
		return fmt.Errorf("invalid configuration: provisioner.lambda.roleARN is required for the lambda driver")
	case c.Artifacts.Driver == ArtifactsMinio && (c.Artifacts.Minio.Endpoint == "" || c.Artifacts.Minio.AccessKey == "" || c.Artifacts.Minio.SecretKey == ""):
		return fmt.Errorf("invalid configuration: artifacts.minio endpoint, accessKey and secretKey are required for the minio driver")
	case c.Policy.Watch && len(c.Policy.Paths) == 0:
		return fmt.Errorf("invalid configuration: policy.watch requires policy.paths")
	}

	if err := c.TelemetryConfig("").Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TelemetryConfig maps the telemetry section onto telemetry.Config. An
// empty version keeps the default.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	t := telemetry.DefaultConfig()
	t.ServiceName = c.Telemetry.ServiceName
	if version != "" {
		t.ServiceVersion = version
	}
	if c.Telemetry.Environment != "" {
		t.Environment = c.Telemetry.Environment
	}

	t.Logging.Level = c.Telemetry.Logging.Level
	t.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		t.Logging.Output = c.Telemetry.Logging.Output
	}

	t.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	t.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	t.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	t.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	t.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	for k, v := range c.Telemetry.Tracing.Headers {
		t.Tracing.Headers[k] = v
	}

	t.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	t.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	t.Metrics.Path = c.Telemetry.Metrics.Path

	for k, v := range c.Telemetry.Attributes {
		t.ResourceAttributes[k] = v
	}
	return t
}
