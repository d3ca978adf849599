package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fnplane.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	if cfg.Poller.MaxAttempts != 60 {
		t.Errorf("Expected 60 max attempts, got %d", cfg.Poller.MaxAttempts)
	}
	if cfg.Poller.LeaseTTL != 5*time.Minute {
		t.Errorf("Expected 5m lease TTL, got %s", cfg.Poller.LeaseTTL)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Events.Driver != EventsMemory {
		t.Errorf("Unexpected default drivers %s/%s", cfg.Database.Driver, cfg.Events.Driver)
	}
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  address: "127.0.0.1:9090"
database:
  driver: postgres
  url: postgres://fnplane@localhost/fnplane
events:
  driver: kafka
  kafka:
    brokers: ["localhost:9092", "localhost:9093"]
poller:
  interval: 2s
  batchSize: 25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Address != "127.0.0.1:9090" {
		t.Errorf("Expected address from file, got %s", cfg.Server.Address)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.URL == "" {
		t.Errorf("Expected postgres database, got %+v", cfg.Database)
	}
	if len(cfg.Events.Kafka.Brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", cfg.Events.Kafka.Brokers)
	}
	if cfg.Events.Kafka.Topic != "fnplane.lifecycle" {
		t.Errorf("Expected default topic to survive, got %s", cfg.Events.Kafka.Topic)
	}
	if cfg.Poller.Interval != 2*time.Second || cfg.Poller.BatchSize != 25 {
		t.Errorf("Unexpected poller config %+v", cfg.Poller)
	}
	if cfg.Poller.LeaseTTL != 5*time.Minute {
		t.Errorf("Expected default lease TTL, got %s", cfg.Poller.LeaseTTL)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "server: [")); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	if _, err := Load(writeConfig(t, "database:\n  driver: mysql\n")); err == nil {
		t.Error("Expected error for unknown database driver")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, "URL"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "Path"},
		{"kafka without brokers", func(c *Config) { c.Events.Driver = EventsKafka }, "brokers"},
		{"bad broker", func(c *Config) {
			c.Events.Driver = EventsKafka
			c.Events.Kafka.Brokers = []string{"no-port"}
		}, "Brokers"},
		{"lambda without role", func(c *Config) { c.Provisioner.Driver = ProvisionerLambda }, "roleARN"},
		{"lambda with role", func(c *Config) {
			c.Provisioner.Driver = ProvisionerLambda
			c.Provisioner.Lambda.RoleARN = "arn:aws:iam::123456789012:role/fnplane"
		}, ""},
		{"incomplete minio", func(c *Config) {
			c.Artifacts.Driver = ArtifactsMinio
			c.Artifacts.Minio.Endpoint = "minio:9000"
		}, "minio"},
		{"lease shorter than interval", func(c *Config) { c.Poller.LeaseTTL = 500 * time.Millisecond }, "LeaseTTL"},
		{"zero max attempts", func(c *Config) { c.Poller.MaxAttempts = 0 }, "MaxAttempts"},
		{"backoff inverted", func(c *Config) { c.Events.MaxBackoff = time.Millisecond }, "MaxBackoff"},
		{"watch without paths", func(c *Config) { c.Policy.Watch = true }, "policy.paths"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "Level"},
		{"bad exporter", func(c *Config) { c.Telemetry.Tracing.Exporter = "zipkin" }, "Exporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FNPLANE_DATABASE_DRIVER":   "postgres",
		"FNPLANE_DATABASE_URL":      "postgres://localhost/fnplane",
		"FNPLANE_KAFKA_BROKERS":     "a:9092, b:9092,",
		"FNPLANE_POLLER_INTERVAL":   "250ms",
		"FNPLANE_POLLER_BATCH_SIZE": "10",
		"FNPLANE_POLICY_ENABLED":    "true",
		"FNPLANE_LOG_LEVEL":         "debug",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Database.Driver != DriverPostgres || cfg.Database.URL != "postgres://localhost/fnplane" {
		t.Errorf("Unexpected database config %+v", cfg.Database)
	}
	if got := cfg.Events.Kafka.Brokers; len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Errorf("Unexpected brokers %v", got)
	}
	if cfg.Poller.Interval != 250*time.Millisecond || cfg.Poller.BatchSize != 10 {
		t.Errorf("Unexpected poller config %+v", cfg.Poller)
	}
	if !cfg.Policy.Enabled {
		t.Error("Expected policy enabled")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FNPLANE_POLLER_INTERVAL", "soon"},
		{"FNPLANE_POLLER_BATCH_SIZE", "many"},
		{"FNPLANE_POLICY_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				if key == tt.key {
					return tt.value, true
				}
				return "", false
			}
			err := Default().ApplyEnv(lookup)
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error naming %s, got %v", tt.key, err)
			}
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "poller:\n  batchSize: 25\n")
	t.Setenv("FNPLANE_POLLER_BATCH_SIZE", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poller.BatchSize != 7 {
		t.Errorf("Expected env to win, got %d", cfg.Poller.BatchSize)
	}
}

func TestEnvKeys(t *testing.T) {
	keys := EnvKeys()
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, EnvPrefix) {
			t.Errorf("Key %s lacks prefix", k)
		}
		if seen[k] {
			t.Errorf("Duplicate key %s", k)
		}
		seen[k] = true
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Environment = "staging"
	cfg.Telemetry.Tracing.Enabled = true
	cfg.Telemetry.Tracing.Exporter = "otlp"
	cfg.Telemetry.Tracing.Endpoint = "collector:4317"
	cfg.Telemetry.Attributes = map[string]string{"region": "eu-west-1"}

	tc := cfg.TelemetryConfig("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Environment != "staging" {
		t.Errorf("Unexpected identity %s/%s", tc.ServiceVersion, tc.Environment)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Unexpected tracing %+v", tc.Tracing)
	}
	if tc.ResourceAttributes["region"] != "eu-west-1" {
		t.Errorf("Expected resource attribute, got %v", tc.ResourceAttributes)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Mapped config should validate: %v", err)
	}

	if v := cfg.TelemetryConfig("").ServiceVersion; v != "dev" {
		t.Errorf("Expected default version, got %s", v)
	}
}
