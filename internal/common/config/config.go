// Package config provides configuration management for Pilotd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Pilotd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Extensions ExtensionsConfig `mapstructure:"extensions"`
	Profile    ProfileConfig    `mapstructure:"profile"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration for the
// session metadata, transcript and extension audit stores.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds orchestrator queue configuration.
type QueueConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	GlobalConcurrency   int    `mapstructure:"globalConcurrency"`
	MaxPerProject       int    `mapstructure:"maxPerProject"`
	MaxGlobal           int    `mapstructure:"maxGlobal"`
	MaxAttempts         int    `mapstructure:"maxAttempts"`
	DefaultTimeoutMs    int    `mapstructure:"defaultTimeoutMs"`
	BackgroundAgingMs   int    `mapstructure:"backgroundAgingMs"`
	MaxInteractiveBurst int    `mapstructure:"maxInteractiveBurst"`
	SnapshotPath        string `mapstructure:"snapshotPath"`
	RetainedPerProject  int    `mapstructure:"retainedPerProject"`
	DrainTimeoutMs      int    `mapstructure:"drainTimeoutMs"`
}

// ExtensionsConfig holds agent extension runtime configuration.
type ExtensionsConfig struct {
	TrustMode        string   `mapstructure:"trustMode"` // disabled, warn, enforced
	RepoRoot         string   `mapstructure:"repoRoot"`
	PackageRoots     []string `mapstructure:"packageRoots"`
	ConfiguredRoots  []string `mapstructure:"configuredRoots"`
	HandlerTimeoutMs int      `mapstructure:"handlerTimeoutMs"`
}

// ProfileConfig holds the connection settings for the downstream
// coding-assistant runtime.
type ProfileConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the per-job timeout as a time.Duration.
func (q *QueueConfig) DefaultTimeout() time.Duration {
	return time.Duration(q.DefaultTimeoutMs) * time.Millisecond
}

// BackgroundAging returns the background aging window as a time.Duration.
func (q *QueueConfig) BackgroundAging() time.Duration {
	return time.Duration(q.BackgroundAgingMs) * time.Millisecond
}

// DrainTimeout returns the shutdown drain window as a time.Duration.
func (q *QueueConfig) DrainTimeout() time.Duration {
	return time.Duration(q.DrainTimeoutMs) * time.Millisecond
}

// HandlerTimeout returns the per-handler dispatch timeout as a time.Duration.
func (e *ExtensionsConfig) HandlerTimeout() time.Duration {
	return time.Duration(e.HandlerTimeoutMs) * time.Millisecond
}

// Timeout returns the profile client timeout as a time.Duration.
func (p *ProfileConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PILOTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "~/.pilotd/pilotd.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pilotd")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue defaults
	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.globalConcurrency", 2)
	v.SetDefault("queue.maxPerProject", 100)
	v.SetDefault("queue.maxGlobal", 500)
	v.SetDefault("queue.maxAttempts", 2)
	v.SetDefault("queue.defaultTimeoutMs", 60000)
	v.SetDefault("queue.backgroundAgingMs", 15000)
	v.SetDefault("queue.maxInteractiveBurst", 3)
	v.SetDefault("queue.snapshotPath", "~/.pilotd/orchestrator-jobs.json")
	v.SetDefault("queue.retainedPerProject", 50)
	v.SetDefault("queue.drainTimeoutMs", 10000)

	// Extensions defaults
	v.SetDefault("extensions.trustMode", "warn")
	v.SetDefault("extensions.repoRoot", "")
	v.SetDefault("extensions.packageRoots", []string{})
	v.SetDefault("extensions.configuredRoots", []string{})
	v.SetDefault("extensions.handlerTimeoutMs", 30000)

	// Profile defaults
	v.SetDefault("profile.baseUrl", "http://localhost:9777")
	v.SetDefault("profile.timeoutMs", 30000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PILOTD_ with snake_case naming; the
// orchestrator queue and extension runtime additionally honor their legacy
// unprefixed variables (ORCHESTRATOR_QUEUE_*, AGENT_EXTENSION_*).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PILOTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the queue and extension env vars.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("queue.enabled", "ORCHESTRATOR_QUEUE_ENABLED")
	_ = v.BindEnv("queue.globalConcurrency", "ORCHESTRATOR_QUEUE_GLOBAL_CONCURRENCY")
	_ = v.BindEnv("queue.maxPerProject", "ORCHESTRATOR_QUEUE_MAX_PER_PROJECT")
	_ = v.BindEnv("queue.maxGlobal", "ORCHESTRATOR_QUEUE_MAX_GLOBAL")
	_ = v.BindEnv("queue.maxAttempts", "ORCHESTRATOR_QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.defaultTimeoutMs", "ORCHESTRATOR_QUEUE_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("queue.backgroundAgingMs", "ORCHESTRATOR_QUEUE_BACKGROUND_AGING_MS")
	_ = v.BindEnv("queue.maxInteractiveBurst", "ORCHESTRATOR_QUEUE_MAX_INTERACTIVE_BURST")
	_ = v.BindEnv("extensions.trustMode", "AGENT_EXTENSION_TRUST_MODE")
	_ = v.BindEnv("extensions.configuredRoots", "AGENT_EXTENSION_CONFIGURED_ROOTS")
	_ = v.BindEnv("extensions.packageRoots", "AGENT_EXTENSION_PACKAGE_ROOTS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pilotd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Path lists may arrive as a single separator-joined string from env vars.
	cfg.Extensions.ConfiguredRoots = splitPathList(cfg.Extensions.ConfiguredRoots)
	cfg.Extensions.PackageRoots = splitPathList(cfg.Extensions.PackageRoots)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitPathList expands entries containing the OS path list separator.
func splitPathList(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		for _, part := range strings.Split(entry, string(os.PathListSeparator)) {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Queue.GlobalConcurrency < 1 {
		errs = append(errs, "queue.globalConcurrency must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.maxAttempts must be >= 1")
	}
	if cfg.Queue.MaxPerProject < 1 || cfg.Queue.MaxGlobal < 1 {
		errs = append(errs, "queue capacity caps must be >= 1")
	}
	if cfg.Queue.DefaultTimeoutMs <= 0 {
		errs = append(errs, "queue.defaultTimeoutMs must be positive")
	}

	switch strings.ToLower(cfg.Extensions.TrustMode) {
	case "disabled", "warn", "enforced":
	default:
		errs = append(errs, "extensions.trustMode must be one of: disabled, warn, enforced")
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
