// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/JakeFAU/spiderfleet/internal/spider"
)

// EnvPrefix prefixes every environment override, e.g. SPIDERFLEET_RATE_MAX.
const EnvPrefix = "SPIDERFLEET"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Rate         RateConfig         `mapstructure:"rate"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Store        StoreConfig        `mapstructure:"store"`
	Storage      StorageConfig      `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Updater      UpdaterConfig      `mapstructure:"updater"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// OrchestratorConfig drives the shared timer and its loops.
type OrchestratorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	UserStatuses     []string      `mapstructure:"user_statuses"`
	MaxUpdateRecords int           `mapstructure:"max_update_records"`
}

// RateConfig is the accepted band for persisted spider rates.
type RateConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// EngineConfig sets engine-wide defaults for spiders.
type EngineConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	Concurrency        int           `mapstructure:"concurrency"`
	PerHostConcurrency int           `mapstructure:"per_host_concurrency"`
	DownloadDelay      time.Duration `mapstructure:"download_delay"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	MaxDepth           int           `mapstructure:"max_depth"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	Path         string `mapstructure:"path"`
	TablePrefix  string `mapstructure:"table_prefix"`
	MaxConns     int32  `mapstructure:"max_conns"`
	CrudErrorDir string `mapstructure:"crud_error_dir"`
	ErrorLogSize int    `mapstructure:"error_log_size"`
}

// StorageConfig selects where fetched pages are archived.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features and per-spider files.
type LoggingConfig struct {
	Development    bool   `mapstructure:"development"`
	Level          string `mapstructure:"level"`
	SpiderLogDir   string `mapstructure:"spider_log_dir"`
	SpiderErrorLog bool   `mapstructure:"spider_error_log"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// APIKey, when set, is required on every /v1 request.
	APIKey string `mapstructure:"api_key"`
}

// UpdaterConfig configures the update coordinator.
type UpdaterConfig struct {
	// GeneralSpider names the ephemeral spider that runs refresh batches.
	GeneralSpider string `mapstructure:"general_spider"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	// ProjectID, when set, exports spans to Google Cloud Trace.
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return decode(v)
}

// Watch loads path and calls fn with the re-decoded configuration every
// time the file changes. It returns the initial configuration.
func Watch(path string, fn func(Config, error)) (Config, error) {
	if path == "" {
		return Config{}, errors.New("watch requires a config file")
	}
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
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
	v.SetDefault("orchestrator.interval", "3s")
	userStatuses := make([]string, 0, len(spider.UserStatuses()))
	for _, s := range spider.UserStatuses() {
		userStatuses = append(userStatuses, string(s))
	}
	v.SetDefault("orchestrator.user_statuses", userStatuses)
	v.SetDefault("orchestrator.max_update_records", 50)
	v.SetDefault("rate.min", 1)
	v.SetDefault("rate.max", 32)
	v.SetDefault("engine.user_agent", "spiderfleet/1.0")
	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("engine.per_host_concurrency", 8)
	v.SetDefault("engine.download_delay", "0s")
	v.SetDefault("engine.request_timeout", "30s")
	v.SetDefault("engine.respect_robots", true)
	v.SetDefault("engine.max_depth", 0)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "25s")
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.path", "spiderfleet.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.error_log_size", 100)
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.spider_error_log", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("updater.general_spider", "general")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "spiderfleet")
	v.SetDefault("tracing.version", "dev")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Orchestrator.Interval <= 0 {
		return fmt.Errorf("orchestrator.interval must be > 0")
	}
	if len(c.Orchestrator.UserStatuses) == 0 {
		return fmt.Errorf("orchestrator.user_statuses must not be empty")
	}
	for _, s := range c.Orchestrator.UserStatuses {
		if !slices.Contains(spider.UserStatuses(), spider.Status(s)) {
			return fmt.Errorf("orchestrator.user_statuses: unknown transition %q", s)
		}
	}
	if c.Orchestrator.MaxUpdateRecords <= 0 {
		return fmt.Errorf("orchestrator.max_update_records must be > 0")
	}
	if err := c.Rate.Validate(); err != nil {
		return err
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be > 0")
	}
	if c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be > 0")
	}
	if c.Engine.DownloadDelay < 0 {
		return fmt.Errorf("engine.download_delay must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("store.provider %q is not supported", c.Store.Provider)
	}
	switch c.Storage.Provider {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Updater.GeneralSpider == "" {
		return fmt.Errorf("updater.general_spider must be set")
	}
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must be set when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
		}
	}
	return nil
}

// Validate checks the rate band.
func (r RateConfig) Validate() error {
	if r.Min < 1 {
		return fmt.Errorf("rate.min must be >= 1")
	}
	if r.Max < r.Min {
		return fmt.Errorf("rate.max must be >= rate.min")
	}
	return nil
}

// Statuses returns the configured user statuses as spider statuses.
func (o OrchestratorConfig) Statuses() []spider.Status {
	out := make([]spider.Status, 0, len(o.UserStatuses))
	for _, s := range o.UserStatuses {
		out = append(out, spider.Status(s))
	}
	return out
}
