// Package config loads service settings from defaults, an optional YAML file,
// a .env file and SMEI_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SMEI_SERVER_ADDR.
const EnvPrefix = "SMEI"

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendBigQuery = "bigquery"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Auth modes.
const (
	AuthHeader = "header"
	AuthTokens = "tokens"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Insights InsightsConfig `mapstructure:"insights"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type UploadConfig struct {
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
	BatchSize    int   `mapstructure:"batch_size"`
	Workers      int   `mapstructure:"workers"`
}

type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	DatasetID string `mapstructure:"dataset_id"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig selects where raw uploads are kept for async ingestion. An
// empty bucket keeps them in memory.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// InsightsConfig enables question answering when an API key or a project is set.
type InsightsConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`
	Model    string `mapstructure:"model"`
}

// Enabled reports whether a generator can be built.
func (c InsightsConfig) Enabled() bool {
	return c.APIKey != "" || c.Project != ""
}

type AuthConfig struct {
	Mode   string `mapstructure:"mode"`
	Header string `mapstructure:"header"`

	// Tokens is a comma-separated list of token=principal pairs.
	Tokens string `mapstructure:"tokens"`
}

// TokenMap parses Tokens.
func (c AuthConfig) TokenMap() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.Tokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, principal, ok := strings.Cut(pair, "=")
		token, principal = strings.TrimSpace(token), strings.TrimSpace(principal)
		if !ok || token == "" || principal == "" {
			return nil, fmt.Errorf("auth tokens: malformed entry %q", pair)
		}
		out[token] = principal
	}
	return out, nil
}

type JobsConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("upload.max_file_bytes", 10<<20)
	v.SetDefault("upload.batch_size", 100)
	v.SetDefault("upload.workers", 1)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.bigquery.project_id", "")
	v.SetDefault("store.bigquery.dataset_id", "smeinsight")
	v.SetDefault("store.sqlite.path", "data/smeinsight.db")

	v.SetDefault("archive.bucket", "")

	v.SetDefault("insights.api_key", "")
	v.SetDefault("insights.project", "")
	v.SetDefault("insights.location", "us-central1")
	v.SetDefault("insights.model", "gemini-2.5-flash")

	v.SetDefault("auth.mode", AuthHeader)
	v.SetDefault("auth.header", "X-Principal-ID")
	v.SetDefault("auth.tokens", "")

	v.SetDefault("jobs.queue_size", 100)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.retry_delay", 5*time.Second)
}

// Load reads configuration. path names an optional YAML file; when empty,
// ./config.yaml is used if present. A .env file in the working directory is
// loaded first and never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("Load: reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATABASE_URL is the conventional name on most hosts.
	if err := v.BindEnv("store.postgres.dsn", EnvPrefix+"_STORE_POSTGRES_DSN", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("Load: bind env: %w", err)
	}
	if err := v.BindEnv("insights.api_key", EnvPrefix+"_INSIGHTS_API_KEY", "GOOGLE_API_KEY"); err != nil {
		return nil, fmt.Errorf("Load: bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
		}
	case BackendBigQuery:
		if c.Store.BigQuery.ProjectID == "" || c.Store.BigQuery.DatasetID == "" {
			errs = append(errs, errors.New("store.bigquery.project_id and dataset_id are required for the bigquery backend"))
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of postgres, bigquery, sqlite, memory", c.Store.Backend))
	}

	switch c.Auth.Mode {
	case AuthHeader:
		if c.Auth.Header == "" {
			errs = append(errs, errors.New("auth.header is required in header mode"))
		}
	case AuthTokens:
		tokens, err := c.Auth.TokenMap()
		if err != nil {
			errs = append(errs, err)
		} else if len(tokens) == 0 {
			errs = append(errs, errors.New("auth.tokens is required in tokens mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of header, tokens", c.Auth.Mode))
	}

	if c.Upload.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("upload.max_file_bytes must be positive"))
	}
	if c.Upload.BatchSize <= 0 {
		errs = append(errs, errors.New("upload.batch_size must be positive"))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.QueueSize <= 0 {
		errs = append(errs, errors.New("jobs.workers and jobs.queue_size must be positive"))
	}

	return errors.Join(errs...)
}
