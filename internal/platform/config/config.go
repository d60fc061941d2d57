// Package config provides configuration management for conductor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for conductor.
type Config struct {
	Adapter    AdapterConfig    `mapstructure:"adapter"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Events     EventsConfig     `mapstructure:"events"`
	WorkerPool WorkerPoolConfig `mapstructure:"workerPool"`
	SubSession SubSessionConfig `mapstructure:"subSession"`
	History    HistoryConfig    `mapstructure:"history"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AdapterConfig configures the RemoteRuntimeAdapter's connection to the host app.
type AdapterConfig struct {
	DiscoveryHost      string `mapstructure:"discoveryHost"`
	DiscoveryPorts     []int  `mapstructure:"discoveryPorts"`
	DiscoveryTimeoutMs int    `mapstructure:"discoveryTimeoutMs"`
	EvaluateTimeoutMs  int    `mapstructure:"evaluateTimeoutMs"`
	ListSessionsTTLMs  int    `mapstructure:"listSessionsTtlMs"`
}

// StorageConfig configures where templates and orchestrator state live on disk.
type StorageConfig struct {
	CustomTemplatesDir string `mapstructure:"customTemplatesDir"`
	OrchestratorsFile  string `mapstructure:"orchestratorsFile"`
}

// EventsConfig configures the Dispatcher's backend selection.
type EventsConfig struct {
	// NatsURL selects the NATS-backed Dispatcher when non-empty; empty means
	// use the in-memory bus.
	NatsURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// WorkerPoolConfig supplies defaults used when a template omits a config field.
type WorkerPoolConfig struct {
	DefaultMaxWorkers      int `mapstructure:"defaultMaxWorkers"`
	DefaultPollIntervalMs  int `mapstructure:"defaultPollIntervalMs"`
	DefaultWorkerTimeoutMs int `mapstructure:"defaultWorkerTimeoutMs"`
	DefaultRetryMax        int `mapstructure:"defaultRetryMax"`
}

// SubSessionConfig configures subsession monitoring thresholds.
type SubSessionConfig struct {
	IdleThresholdMs   int  `mapstructure:"idleThresholdMs"`
	OrphanThresholdMs int  `mapstructure:"orphanThresholdMs"`
	ForwardResults    bool `mapstructure:"forwardResults"`
}

// HistoryConfig configures the optional orchestration history store.
type HistoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DSN returns the PostgreSQL connection string for the history store.
func (h *HistoryConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		h.Host, h.Port, h.User, h.Password, h.DBName, h.SSLMode,
	)
}

// DiscoveryTimeout returns the discovery deadline as a time.Duration.
func (a *AdapterConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(a.DiscoveryTimeoutMs) * time.Millisecond
}

// EvaluateTimeout returns the per-evaluate-call deadline as a time.Duration.
func (a *AdapterConfig) EvaluateTimeout() time.Duration {
	return time.Duration(a.EvaluateTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter.discoveryHost", "localhost")
	v.SetDefault("adapter.discoveryPorts", []int{9222, 9229})
	v.SetDefault("adapter.discoveryTimeoutMs", 5000)
	v.SetDefault("adapter.evaluateTimeoutMs", 30000)
	v.SetDefault("adapter.listSessionsTtlMs", 2000)

	v.SetDefault("storage.customTemplatesDir", "templates/custom")
	v.SetDefault("storage.orchestratorsFile", "orchestrator/data/orchestrators.json")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("workerPool.defaultMaxWorkers", 5)
	v.SetDefault("workerPool.defaultPollIntervalMs", 2000)
	v.SetDefault("workerPool.defaultWorkerTimeoutMs", 30*60*1000)
	v.SetDefault("workerPool.defaultRetryMax", 2)

	v.SetDefault("subSession.idleThresholdMs", 15000)
	v.SetDefault("subSession.orphanThresholdMs", 60000)
	v.SetDefault("subSession.forwardResults", true)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", "./conductor-history.db")
	v.SetDefault("history.host", "localhost")
	v.SetDefault("history.port", 5432)
	v.SetDefault("history.user", "conductor")
	v.SetDefault("history.dbName", "conductor")
	v.SetDefault("history.sslMode", "disable")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONDUCTOR_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase -> SNAKE_CASE, so bind the
	// keys that would otherwise mismatch explicitly.
	_ = v.BindEnv("adapter.discoveryHost", "CONDUCTOR_ADAPTER_DISCOVERY_HOST")
	_ = v.BindEnv("events.natsUrl", "CONDUCTOR_NATS_URL")
	_ = v.BindEnv("events.namespace", "CONDUCTOR_EVENTS_NAMESPACE")
	_ = v.BindEnv("logging.level", "CONDUCTOR_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if len(cfg.Adapter.DiscoveryPorts) == 0 {
		errs = append(errs, "adapter.discoveryPorts must contain at least one port")
	}
	if cfg.Adapter.EvaluateTimeoutMs <= 0 {
		errs = append(errs, "adapter.evaluateTimeoutMs must be positive")
	}

	if cfg.WorkerPool.DefaultMaxWorkers < 1 || cfg.WorkerPool.DefaultMaxWorkers > 20 {
		errs = append(errs, "workerPool.defaultMaxWorkers must be between 1 and 20")
	}
	if cfg.WorkerPool.DefaultPollIntervalMs < 100 {
		errs = append(errs, "workerPool.defaultPollIntervalMs must be at least 100ms")
	}

	// History validation - optional (the store is disabled by default and
	// gracefully absent; only validated when explicitly enabled).
	if cfg.History.Enabled && cfg.History.Driver == "postgres" {
		if cfg.History.User == "" || cfg.History.DBName == "" {
			errs = append(errs, "history.user and history.dbName are required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
