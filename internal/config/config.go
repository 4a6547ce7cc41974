// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/fetch"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/logging"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/source/html"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/storage/postgres"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. L10N_SERVER_PORT.
const EnvPrefix = "L10N"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Logging   logging.Config          `mapstructure:"logging"`
	Tracing   telemetry.TracingConfig `mapstructure:"tracing"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Runner    RunnerConfig            `mapstructure:"runner"`
	Events    EventsConfig            `mapstructure:"events"`
	Progress  ProgressConfig          `mapstructure:"progress"`
	Dedup     DedupConfig             `mapstructure:"dedup"`
	Steps     StepsConfig             `mapstructure:"steps"`
	SQLite    SQLiteConfig            `mapstructure:"sqlite"`
	DB        postgres.Config         `mapstructure:"db"`
	Tables    postgres.Tables         `mapstructure:"tables"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	// SourcesFile is merged into the configuration before decoding, so the
	// source catalog can live in its own file.
	SourcesFile string         `mapstructure:"sources_file"`
	Sources     []SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HTTPConfig configures outbound fetching shared by every source.
type HTTPConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	QPS            float64       `mapstructure:"qps"`
	Burst          int           `mapstructure:"burst"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// RunnerConfig tunes run resumption.
type RunnerConfig struct {
	ResumeWindow time.Duration `mapstructure:"resume_window"`
	LookupChunk  int           `mapstructure:"lookup_chunk"`
}

// EventsConfig sizes the run event hub.
type EventsConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	MaxBatch   int           `mapstructure:"max_batch"`
	MaxWait    time.Duration `mapstructure:"max_wait"`
}

// ProgressConfig selects where Progress blobs live.
type ProgressConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DedupConfig selects the dedup index backend.
type DedupConfig struct {
	Backend string `mapstructure:"backend"`
}

// StepsConfig selects the step memo backend.
type StepsConfig struct {
	Backend string `mapstructure:"backend"`
}

// SQLiteConfig points at the database file shared by sqlite-backed stores.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for run summary notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SchedulerConfig controls the in-process cadence scheduler of serve.
type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	RunOnStart bool          `mapstructure:"run_on_start"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// SourceConfig describes one translated site as data.
type SourceConfig struct {
	Key          string               `mapstructure:"key"`
	Language     string               `mapstructure:"language"`
	Cadence      time.Duration        `mapstructure:"cadence"`
	Budget       runner.Budget        `mapstructure:"budget"`
	Capabilities crawler.Capabilities `mapstructure:"capabilities"`
	// QPS overrides http.qps for this source when positive.
	QPS  float64   `mapstructure:"qps"`
	Site html.Site `mapstructure:"site"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
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
	if file := v.GetString("sources_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("merge sources file: %w", err)
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
	// Keys without a natural default are still registered so that
	// AutomaticEnv can fill them during Unmarshal.
	for _, key := range []string{"auth.api_key", "db.dsn", "progress.bucket", "pubsub.project_id", "pubsub.topic", "sources_file"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "l10ncrawler")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("http.user_agent", "l10ncrawler/0.1 (+https://github.com/JakeFAU/xkcd-l10n-crawler)")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.qps", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial", "250ms")
	v.SetDefault("http.backoff_max", "5s")
	v.SetDefault("runner.resume_window", "24h")
	v.SetDefault("runner.lookup_chunk", 500)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch", 256)
	v.SetDefault("events.max_wait", "250ms")
	v.SetDefault("progress.backend", BackendMemory)
	v.SetDefault("progress.dir", "data/progress")
	v.SetDefault("progress.prefix", "progress")
	v.SetDefault("dedup.backend", BackendMemory)
	v.SetDefault("steps.backend", BackendMemory)
	v.SetDefault("sqlite.path", "data/l10n.db")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.run_timeout", "10m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be > 0")
	}
	if c.HTTP.QPS < 0 {
		return errors.New("http.qps must not be negative")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Key == "" {
			return fmt.Errorf("sources[%d].key is required", i)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("sources[%d]: duplicate key %q", i, s.Key)
		}
		seen[s.Key] = struct{}{}
		if s.Cadence < 0 {
			return fmt.Errorf("source %s: cadence must not be negative", s.Key)
		}
		if s.Budget.BatchSize < 0 || s.Budget.Calls < 0 || s.Budget.ItemDelay < 0 {
			return fmt.Errorf("source %s: budget values must not be negative", s.Key)
		}
		discovery := s.Site.Pages()
		if s.Capabilities.HasChangeFeed {
			discovery++
		}
		if ceiling := s.Budget.CallCeiling(); discovery >= ceiling {
			return fmt.Errorf("source %s: discovery may take %d calls, leaving none of budget.calls %d for items; lower site.max_pages or raise the budget",
				s.Key, discovery, ceiling)
		}
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Progress.Backend {
	case BackendMemory, BackendPostgres, BackendSQLite:
	case BackendLocal:
		if c.Progress.Dir == "" {
			return errors.New("progress.dir is required for the local backend")
		}
	case BackendGCS:
		if c.Progress.Bucket == "" {
			return errors.New("progress.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("progress.backend %q is not one of memory, local, gcs, postgres, sqlite", c.Progress.Backend)
	}
	for name, backend := range map[string]string{"dedup": c.Dedup.Backend, "steps": c.Steps.Backend} {
		switch backend {
		case BackendMemory, BackendPostgres, BackendSQLite:
		default:
			return fmt.Errorf("%s.backend %q is not one of memory, postgres, sqlite", name, backend)
		}
	}
	if c.Uses(BackendPostgres) && c.DB.DSN == "" {
		return errors.New("db.dsn is required for postgres backends")
	}
	if c.Uses(BackendSQLite) && c.SQLite.Path == "" {
		return errors.New("sqlite.path is required for sqlite backends")
	}
	return nil
}

// Uses reports whether any store is configured with backend.
func (c Config) Uses(backend string) bool {
	return c.Progress.Backend == backend || c.Dedup.Backend == backend || c.Steps.Backend == backend
}

// SourceHTML merges the shared HTTP settings into the adapter config for s.
func (c Config) SourceHTML(s SourceConfig) html.Config {
	qps := c.HTTP.QPS
	if s.QPS > 0 {
		qps = s.QPS
	}
	return html.Config{
		Key:          s.Key,
		Capabilities: s.Capabilities,
		Site:         s.Site,
		UserAgent:    c.HTTP.UserAgent,
		Timeout:      c.HTTP.Timeout,
		QPS:          qps,
		Burst:        c.HTTP.Burst,
		Retry: fetch.Policy{
			MaxAttempts: c.HTTP.MaxAttempts,
			BaseDelay:   c.HTTP.BackoffInitial,
			MaxDelay:    c.HTTP.BackoffMax,
		},
	}
}
