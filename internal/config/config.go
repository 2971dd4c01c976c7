// Package config loads and validates sensorarchive configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sensor-archive-downloader/internal/archive"
	"github.com/JakeFAU/sensor-archive-downloader/internal/registry/memory"
	"github.com/JakeFAU/sensor-archive-downloader/internal/registry/postgres"
	"github.com/JakeFAU/sensor-archive-downloader/internal/storage"
	"github.com/JakeFAU/sensor-archive-downloader/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SENSORARCHIVE_JOB_CONCURRENCY.
const EnvPrefix = "SENSORARCHIVE"

// Registry and publisher backends.
const (
	RegistryStatic   = "static"
	RegistryPostgres = "postgres"

	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Fetch     FetchConfig          `mapstructure:"fetch"`
	Job       JobConfig            `mapstructure:"job"`
	Merge     MergeConfig          `mapstructure:"merge"`
	Storage   StorageConfig        `mapstructure:"storage"`
	Mirror    storage.MirrorConfig `mapstructure:"mirror"`
	Registry  RegistryConfig       `mapstructure:"registry"`
	DB        postgres.Config      `mapstructure:"db"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Publisher PublisherConfig      `mapstructure:"publisher"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Tracing   telemetry.Config     `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP invocation server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig configures the archive client, its retries and its rate limit.
type FetchConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	MetadataURL       string        `mapstructure:"metadata_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// JobConfig sizes the worker pool and holds request defaults.
type JobConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	MaxRangeDays int    `mapstructure:"max_range_days"`
	DefaultStart string `mapstructure:"default_start"`
	Merge        bool   `mapstructure:"merge"`
	MergeByYear  bool   `mapstructure:"merge_by_year"`
	AutoLocate   bool   `mapstructure:"auto_locate"`
}

// MergeConfig controls merged file production.
type MergeConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Delimiter   string `mapstructure:"delimiter"`
}

// StorageConfig locates the local station tree.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// RegistryConfig selects where stations come from.
type RegistryConfig struct {
	Backend  string                 `mapstructure:"backend"`
	Stations []memory.StationConfig `mapstructure:"stations"`
}

// PubSubConfig holds Google Cloud Pub/Sub coordinates.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// PublisherConfig selects the completion notifier.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file, an optional .env file and the
// environment.
func Load(path string) (Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Minute)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("fetch.base_url", "https://archive.sensor.community/")
	v.SetDefault("fetch.metadata_url", "https://data.sensor.community/airrohr/v1/sensor/")
	v.SetDefault("fetch.user_agent", "sensorarchive/1.0")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_attempts", archive.DefaultMaxAttempts)
	v.SetDefault("fetch.backoff_base", archive.DefaultBaseDelay)
	v.SetDefault("fetch.backoff_max", archive.DefaultMaxDelay)
	v.SetDefault("fetch.requests_per_second", 10.0)
	v.SetDefault("fetch.burst", 10)
	v.SetDefault("fetch.max_body_bytes", 64<<20)
	v.SetDefault("job.concurrency", 15)
	v.SetDefault("job.max_range_days", 3660)
	v.SetDefault("job.default_start", "2024-01-01")
	v.SetDefault("job.merge", true)
	v.SetDefault("job.merge_by_year", true)
	v.SetDefault("job.auto_locate", true)
	v.SetDefault("merge.concurrency", 4)
	v.SetDefault("merge.delimiter", ";")
	v.SetDefault("storage.base_dir", "sensor_data")
	v.SetDefault("mirror.backend", storage.BackendNone)
	v.SetDefault("registry.backend", RegistryStatic)
	v.SetDefault("db.station_table", postgres.DefaultStationTable)
	v.SetDefault("db.sensor_table", postgres.DefaultSensorTable)
	v.SetDefault("db.sensor_type_table", postgres.DefaultSensorTypeTable)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("publisher.backend", PublisherNone)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "sensorarchive")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if c.Job.Concurrency <= 0 {
		return fmt.Errorf("job.concurrency must be > 0")
	}
	if c.Job.MaxRangeDays <= 0 {
		return fmt.Errorf("job.max_range_days must be > 0")
	}
	if _, err := c.Job.DefaultStartDate(); err != nil {
		return fmt.Errorf("job.default_start: %w", err)
	}
	if c.Merge.Concurrency <= 0 {
		return fmt.Errorf("merge.concurrency must be > 0")
	}
	if utf8.RuneCountInString(c.Merge.Delimiter) != 1 {
		return fmt.Errorf("merge.delimiter must be a single character")
	}
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if err := c.Mirror.Validate(); err != nil {
		return err
	}
	switch c.Registry.Backend {
	case RegistryStatic:
	case RegistryPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres registry")
		}
	default:
		return fmt.Errorf("unknown registry.backend %q", c.Registry.Backend)
	}
	switch c.Publisher.Backend {
	case "", PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set for the pubsub publisher")
		}
	default:
		return fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend)
	}
	return nil
}

func (f FetchConfig) validate() error {
	u, err := url.Parse(f.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("fetch.base_url must be an absolute URL")
	}
	if m, err := url.Parse(f.MetadataURL); err != nil || m.Scheme == "" || m.Host == "" {
		return fmt.Errorf("fetch.metadata_url must be an absolute URL")
	}
	if f.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if f.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be >= 1")
	}
	if f.BackoffBase < 0 || f.BackoffMax < f.BackoffBase {
		return fmt.Errorf("fetch.backoff_max must be >= fetch.backoff_base >= 0")
	}
	if f.RequestsPerSecond < 0 || f.Burst < 0 {
		return fmt.Errorf("fetch.requests_per_second and fetch.burst must be >= 0")
	}
	return nil
}

// DefaultStartDate parses job.default_start.
func (j JobConfig) DefaultStartDate() (time.Time, error) {
	return archive.ParseDate(j.DefaultStart)
}

// DelimiterRune returns the merge delimiter as a rune.
func (m MergeConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(m.Delimiter)
	return r
}
