package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend values for Config.Backend.
const (
	// BackendSQLite keeps source tables, snapshots, hashes and sessions in one local file.
	BackendSQLite = "sqlite"
	// BackendGCP reads sources and tracking tables from BigQuery and snapshots from Cloud Storage.
	BackendGCP = "gcp"
	// BackendMemory keeps everything in process; only useful for dry runs and tests.
	BackendMemory = "memory"
)

// Tables names the source tables read on every run.
type Tables struct {
	Postings     string `env:"POSTINGS_TABLE" envDefault:"sap_transactions"`
	Measures     string `env:"MEASURES_TABLE" envDefault:"msp_measures"`
	FloorMapping string `env:"FLOOR_MAPPING_TABLE" envDefault:"floor_mapping"`
	HQMapping    string `env:"HQ_MAPPING_TABLE" envDefault:"hq_mapping"`
}

// Config is the process configuration shared by all entry points.
type Config struct {
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	// OTelEndpoint is an OTLP/HTTP URL receiving traces. Empty disables tracing.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	Backend    string `env:"BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"reconciler.db"`
	// SourceDir, when set, replaces the backend's source tables with
	// .xlsx/.csv exports found in this directory.
	SourceDir string `env:"SOURCE_DIR"`

	ProjectID string `env:"GCP_PROJECT"`
	Dataset   string `env:"BQ_DATASET" envDefault:"msp_sap"`
	Bucket    string `env:"GCS_BUCKET"`
	Prefix    string `env:"GCS_PREFIX" envDefault:"reconciler"`

	BatchID   string `env:"BATCH_ID"`
	Workers   int    `env:"WORKERS" envDefault:"8"`
	ChunkSize int    `env:"CHUNK_SIZE" envDefault:"1000"`

	Tables Tables

	Port           string `env:"PORT" envDefault:"8080"`
	RunIntervalMin int    `env:"RUN_INTERVAL_MINUTES" envDefault:"60"`

	NotionToken      string `env:"NOTION_TOKEN"`
	NotionDatabaseID string `env:"NOTION_DATABASE_ID"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: "RECONCILER_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads an optional dotenv file and then the environment. Overrides,
// such as command-line flags, are applied before validation.
// A missing dotenv file is not an error.
func Load(dotenvPath string, overrides ...func(*Config)) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: RECONCILER_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendGCP:
		if c.ProjectID == "" {
			return fmt.Errorf("config: RECONCILER_GCP_PROJECT is required for the gcp backend")
		}
		if c.Bucket == "" {
			return fmt.Errorf("config: RECONCILER_GCS_BUCKET is required for the gcp backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: RECONCILER_WORKERS must be positive, got %d", c.Workers)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: RECONCILER_CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	return nil
}
