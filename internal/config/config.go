// Package config handles configuration loading for kddguard.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/kddguard/pkg/artifacts/s3"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "KDDGUARD_CONFIG"

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	History   HistoryConfig   `yaml:"history"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
	BodyLimit    int           `yaml:"body_limit" validate:"gt=0"` // bytes
	MaxSample    int           `yaml:"max_sample" validate:"gt=0"` // upper bound for /connections?n=
	MaxBatch     int           `yaml:"max_batch" validate:"gt=0"`  // upper bound for /predict/batch rows
}

// ArtifactsConfig selects where trained artifacts are loaded from.
type ArtifactsConfig struct {
	Source string    `yaml:"source" validate:"oneof=dir s3"`
	Dir    string    `yaml:"dir" validate:"required_if=Source dir"`
	S3     s3.Config `yaml:"s3"`
}

// DatasetConfig points at the CSV dataset sampled by /connections.
type DatasetConfig struct {
	Path      string `yaml:"path"`
	HasHeader bool   `yaml:"has_header"`
	Seed      int64  `yaml:"seed"` // 0 seeds from the clock
}

// PipelineConfig holds inference settings.
type PipelineConfig struct {
	Workers      int           `yaml:"workers" validate:"gt=0"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gt=0"`
}

// HistoryConfig holds the prediction history store settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
	// Retain caps the stored events; 0 keeps everything.
	Retain int `yaml:"retain" validate:"gte=0"`
}

// AlertsConfig holds the Kafka alert sink settings.
type AlertsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `yaml:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			BodyLimit:    4 * 1024 * 1024,
			MaxSample:    1000,
			MaxBatch:     10000,
		},
		Artifacts: ArtifactsConfig{
			Source: "dir",
			Dir:    "artifacts",
			S3: s3.Config{
				Region:           "us-east-1",
				RetryMaxAttempts: 3,
			},
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			BatchTimeout: 30 * time.Second,
		},
		History: HistoryConfig{
			Path:   "kddguard.db",
			Retain: 100000,
		},
		Alerts: AlertsConfig{
			Topic:        "kddguard.alerts",
			BatchTimeout: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path falls back to
// $KDDGUARD_CONFIG; when that is unset too, only defaults and environment
// are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies KDDGUARD_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("KDDGUARD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KDDGUARD_ARTIFACTS_SOURCE"); v != "" {
		c.Artifacts.Source = v
	}
	if v := os.Getenv("KDDGUARD_ARTIFACTS_DIR"); v != "" {
		c.Artifacts.Dir = v
	}
	if v := os.Getenv("KDDGUARD_S3_BUCKET"); v != "" {
		c.Artifacts.S3.Bucket = v
	}
	if v := os.Getenv("KDDGUARD_S3_PREFIX"); v != "" {
		c.Artifacts.S3.Prefix = v
	}
	if v := os.Getenv("KDDGUARD_S3_ENDPOINT"); v != "" {
		c.Artifacts.S3.Endpoint = v
	}
	if v := os.Getenv("KDDGUARD_DATASET"); v != "" {
		c.Dataset.Path = v
	}
	if v := os.Getenv("KDDGUARD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KDDGUARD_WORKERS: %w", err)
		}
		c.Pipeline.Workers = n
	}
	if v := os.Getenv("KDDGUARD_HISTORY_PATH"); v != "" {
		c.History.Path = v
		c.History.Enabled = true
	}
	if v := os.Getenv("KDDGUARD_KAFKA_BROKERS"); v != "" {
		c.Alerts.Brokers = splitAndTrim(v, ",")
		c.Alerts.Enabled = len(c.Alerts.Brokers) > 0
	}
	if v := os.Getenv("KDDGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KDDGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Artifacts.Source == "s3" {
		if err := c.Artifacts.S3.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}
