package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"litellm-exporter/pkg/errors"
)

const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
)

type Config struct {
	App           AppConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Exporter      ExporterConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"litellm-exporter"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"2.0.0"`
}

// PostgresConfig holds the LiteLLM database connection. Variable names match the LiteLLM
// deployment conventions (DB_*), not POSTGRES_*.
type PostgresConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5433"`
	User     string `envconfig:"DB_USER" default:"llmproxy"`
	Password string `envconfig:"DB_PASSWORD"`
	Database string `envconfig:"DB_NAME" default:"litellm"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"DB_MAX_CONNS" default:"5"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"litellm"`
}

func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"redis"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExporterConfig controls the aggregation loop. Intervals are whole seconds.
type ExporterConfig struct {
	MetricsPort         int    `envconfig:"METRICS_PORT" default:"9090"`
	ScrapeInterval      int    `envconfig:"SCRAPE_INTERVAL" default:"60"`
	CheckpointInterval  int    `envconfig:"CHECKPOINT_INTERVAL" default:"300"`
	EnableCheckpoint    bool   `envconfig:"ENABLE_CHECKPOINT" default:"true"`
	CheckpointReprobe   bool   `envconfig:"CHECKPOINT_REPROBE" default:"false"`
	CheckpointKeyPrefix string `envconfig:"CHECKPOINT_KEY_PREFIX" default:"litellm:exporter"`
	HistoryDays         int    `envconfig:"HISTORY_DAYS" default:"365"`
	TimeZone            string `envconfig:"TIMEZONE" default:"Europe/Moscow"`
	QueryTimeout        int    `envconfig:"QUERY_TIMEOUT" default:"30"`
	WatermarkLag        int    `envconfig:"WATERMARK_LAG" default:"5"`
	MaxSeriesPerMetric  int    `envconfig:"MAX_SERIES_PER_METRIC" default:"0"`
	EventStoreDriver    string `envconfig:"EVENT_STORE_DRIVER" default:"postgres"`
}

func (c ExporterConfig) ScrapeEvery() time.Duration {
	return time.Duration(c.ScrapeInterval) * time.Second
}

func (c ExporterConfig) CheckpointEvery() time.Duration {
	return time.Duration(c.CheckpointInterval) * time.Second
}

func (c ExporterConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(c.QueryTimeout) * time.Second
}

func (c ExporterConfig) WatermarkLagDuration() time.Duration {
	return time.Duration(c.WatermarkLag) * time.Second
}

// Location resolves TimeZone. Validate guarantees it loads.
func (c ExporterConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type ErrorTrackingConfig struct {
	Enabled      bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN    string `envconfig:"SENTRY_DSN"`
	Environment  string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	MaxPerMinute int    `envconfig:"ERROR_TRACKING_MAX_PER_MINUTE" default:"10"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the exporter cannot run with
func (c *Config) Validate() error {
	var errs errors.MultiError

	e := c.Exporter
	if e.ScrapeInterval <= 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "SCRAPE_INTERVAL must be positive, got %d", e.ScrapeInterval))
	}
	if e.CheckpointInterval <= 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "CHECKPOINT_INTERVAL must be positive, got %d", e.CheckpointInterval))
	}
	if e.HistoryDays <= 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "HISTORY_DAYS must be positive, got %d", e.HistoryDays))
	}
	if e.QueryTimeout <= 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "QUERY_TIMEOUT must be positive, got %d", e.QueryTimeout))
	}
	if e.WatermarkLag < 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "WATERMARK_LAG must not be negative, got %d", e.WatermarkLag))
	}
	if e.MaxSeriesPerMetric < 0 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "MAX_SERIES_PER_METRIC must not be negative, got %d", e.MaxSeriesPerMetric))
	}
	if e.MetricsPort <= 0 || e.MetricsPort > 65535 {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "METRICS_PORT out of range: %d", e.MetricsPort))
	}
	if _, err := time.LoadLocation(e.TimeZone); err != nil {
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "TIMEZONE %q: %v", e.TimeZone, err))
	}
	switch e.EventStoreDriver {
	case DriverPostgres, DriverClickHouse:
	default:
		errs.Add(errors.Wrapf(errors.ErrInvalidInput, "EVENT_STORE_DRIVER must be %q or %q, got %q",
			DriverPostgres, DriverClickHouse, e.EventStoreDriver))
	}

	return errs.ToError()
}
