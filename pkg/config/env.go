package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FNPLANE_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func list(dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func duration(dst func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_ADDRESS", str(func(c *Config) *string { return &c.Server.Address })},
	{"ALLOWED_ORIGINS", list(func(c *Config) *[]string { return &c.Server.AllowedOrigins })},

	{"DATABASE_DRIVER", str(func(c *Config) *string { return &c.Database.Driver })},
	{"DATABASE_PATH", str(func(c *Config) *string { return &c.Database.Path })},
	{"DATABASE_URL", str(func(c *Config) *string { return &c.Database.URL })},
	{"DATABASE_AUTO_MIGRATE", boolean(func(c *Config) *bool { return &c.Database.AutoMigrate })},

	{"EVENTS_DRIVER", str(func(c *Config) *string { return &c.Events.Driver })},
	{"KAFKA_BROKERS", list(func(c *Config) *[]string { return &c.Events.Kafka.Brokers })},
	{"KAFKA_TOPIC", str(func(c *Config) *string { return &c.Events.Kafka.Topic })},
	{"KAFKA_GROUP_ID", str(func(c *Config) *string { return &c.Events.Kafka.GroupID })},

	{"AWS_REGION", str(func(c *Config) *string { return &c.AWS.Region })},
	{"AWS_ENDPOINT", str(func(c *Config) *string { return &c.AWS.Endpoint })},
	{"AWS_ACCESS_KEY_ID", str(func(c *Config) *string { return &c.AWS.AccessKeyID })},
	{"AWS_SECRET_ACCESS_KEY", str(func(c *Config) *string { return &c.AWS.SecretAccessKey })},

	{"PROVISIONER_DRIVER", str(func(c *Config) *string { return &c.Provisioner.Driver })},
	{"PROVISIONER_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Provisioner.Timeout })},
	{"LAMBDA_ROLE_ARN", str(func(c *Config) *string { return &c.Provisioner.Lambda.RoleARN })},

	{"ARTIFACTS_DRIVER", str(func(c *Config) *string { return &c.Artifacts.Driver })},
	{"ARTIFACTS_BUCKET", str(func(c *Config) *string { return &c.Artifacts.DefaultBucket })},
	{"MINIO_ENDPOINT", str(func(c *Config) *string { return &c.Artifacts.Minio.Endpoint })},
	{"MINIO_ACCESS_KEY", str(func(c *Config) *string { return &c.Artifacts.Minio.AccessKey })},
	{"MINIO_SECRET_KEY", str(func(c *Config) *string { return &c.Artifacts.Minio.SecretKey })},
	{"MINIO_USE_SSL", boolean(func(c *Config) *bool { return &c.Artifacts.Minio.UseSSL })},

	{"POLLER_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Poller.Interval })},
	{"POLLER_BATCH_SIZE", integer(func(c *Config) *int { return &c.Poller.BatchSize })},
	{"POLLER_LEASE_TTL", duration(func(c *Config) *time.Duration { return &c.Poller.LeaseTTL })},
	{"POLLER_MAX_ATTEMPTS", integer(func(c *Config) *int { return &c.Poller.MaxAttempts })},

	{"GATEWAY_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Gateway.Timeout })},

	{"POLICY_ENABLED", boolean(func(c *Config) *bool { return &c.Policy.Enabled })},
	{"POLICY_PATHS", list(func(c *Config) *[]string { return &c.Policy.Paths })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
	{"TRACING_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Tracing.Enabled })},
	{"TRACING_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Tracing.Endpoint })},
	{"METRICS_ADDRESS", str(func(c *Config) *string { return &c.Telemetry.Metrics.ListenAddress })},
}

// ApplyEnv overrides fields from FNPLANE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.key
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

// EnvKeys lists the supported environment variables.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = EnvPrefix + b.key
	}
	return keys
}
