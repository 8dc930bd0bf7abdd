// Package config provides configuration management for brokkd.
// It supports loading configuration from environment variables, a config file,
// and defaults. The resulting Config value is passed explicitly into the
// manager at construction; nothing reads it through a global.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the brokkd manager.
type Config struct {
	Manager  ManagerConfig  `mapstructure:"manager"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ManagerConfig holds the front-door HTTP server and pool configuration.
type ManagerConfig struct {
	ManagerID        string `mapstructure:"managerId"`
	ListenAddr       string `mapstructure:"listenAddr"`
	AuthToken        string `mapstructure:"authToken"` // master secret, required
	PoolSize         int    `mapstructure:"poolSize"`
	TokenValidity    int    `mapstructure:"tokenValidity"`    // seconds
	IdleTimeout      int    `mapstructure:"idleTimeout"`      // seconds; 0 disables eviction
	EvictionInterval int    `mapstructure:"evictionInterval"` // seconds
	ReadTimeout      int    `mapstructure:"readTimeout"`      // seconds
	WriteTimeout     int    `mapstructure:"writeTimeout"`     // seconds
}

// ExecutorConfig describes how child executors are launched.
type ExecutorConfig struct {
	// Binary is the path to the brokkd-executor binary. Empty means it is
	// auto-detected next to the manager binary, then on PATH.
	Binary string `mapstructure:"binary"`
	// DataDir is the base directory for per-child state (job store, event logs).
	DataDir string `mapstructure:"dataDir"`
	// ReadyTimeout is the readiness poll deadline in seconds.
	ReadyTimeout int `mapstructure:"readyTimeout"`
	// ShutdownGrace is how long to wait for a graceful exit, in seconds.
	ShutdownGrace int `mapstructure:"shutdownGrace"`
}

// WorktreeConfig holds Git worktree provisioning configuration.
type WorktreeConfig struct {
	BaseDir string `mapstructure:"baseDir"` // required
}

// DatabaseConfig holds the job-store database configuration used by
// executors. Driver "sqlite" stores per-child files under executor.dataDir;
// "postgres" uses the DSN.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds NATS messaging configuration. An empty URL means the
// in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RegistryConfig holds the on-disk instance registry configuration.
type RegistryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`       // default ~/.brokkd/instances
	Heartbeat int    `mapstructure:"heartbeat"` // seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TokenValidityDuration returns the session-token validity as a time.Duration.
func (m *ManagerConfig) TokenValidityDuration() time.Duration {
	return time.Duration(m.TokenValidity) * time.Second
}

// IdleTimeoutDuration returns the idle-eviction threshold as a time.Duration.
func (m *ManagerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(m.IdleTimeout) * time.Second
}

// EvictionIntervalDuration returns the eviction cadence as a time.Duration.
func (m *ManagerConfig) EvictionIntervalDuration() time.Duration {
	return time.Duration(m.EvictionInterval) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (m *ManagerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(m.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (m *ManagerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(m.WriteTimeout) * time.Second
}

// ReadyTimeoutDuration returns the readiness poll deadline as a time.Duration.
func (e *ExecutorConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(e.ReadyTimeout) * time.Second
}

// ShutdownGraceDuration returns the graceful-exit wait as a time.Duration.
func (e *ExecutorConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(e.ShutdownGrace) * time.Second
}

// HeartbeatDuration returns the registry heartbeat as a time.Duration.
func (r *RegistryConfig) HeartbeatDuration() time.Duration {
	return time.Duration(r.Heartbeat) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.managerId", "")
	v.SetDefault("manager.listenAddr", "127.0.0.1:8440")
	v.SetDefault("manager.authToken", "")
	v.SetDefault("manager.poolSize", 4)
	v.SetDefault("manager.tokenValidity", 3600) // 1 hour
	v.SetDefault("manager.idleTimeout", 1800)
	v.SetDefault("manager.evictionInterval", 60)
	v.SetDefault("manager.readTimeout", 30)
	v.SetDefault("manager.writeTimeout", 300)

	v.SetDefault("executor.binary", "")
	v.SetDefault("executor.dataDir", "~/.brokkd/executors")
	v.SetDefault("executor.readyTimeout", 30)
	v.SetDefault("executor.shutdownGrace", 5)

	v.SetDefault("worktree.baseDir", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "brokkd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("registry.enabled", true)
	v.SetDefault("registry.dir", "~/.brokkd/instances")
	v.SetDefault("registry.heartbeat", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BROKKD_ with snake_case naming.
// The config file should be named brokkd.yaml and placed in the current
// directory or /etc/brokkd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BROKKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("manager.managerId", "BROKKD_MANAGER_ID")
	_ = v.BindEnv("manager.listenAddr", "BROKKD_LISTEN_ADDR")
	_ = v.BindEnv("manager.authToken", "BROKKD_AUTH_TOKEN")
	_ = v.BindEnv("manager.poolSize", "BROKKD_POOL_SIZE")
	_ = v.BindEnv("manager.idleTimeout", "BROKKD_IDLE_TIMEOUT")
	_ = v.BindEnv("manager.evictionInterval", "BROKKD_EVICTION_INTERVAL")
	_ = v.BindEnv("worktree.baseDir", "BROKKD_WORKTREE_BASE_DIR")
	_ = v.BindEnv("executor.binary", "BROKKD_EXECUTOR_BINARY")
	_ = v.BindEnv("executor.dataDir", "BROKKD_EXECUTOR_DATA_DIR")

	v.SetConfigName("brokkd")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/brokkd/")

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

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Manager.AuthToken) == "" {
		errs = append(errs, "manager.authToken is required")
	}
	if cfg.Manager.PoolSize < 1 {
		errs = append(errs, "manager.poolSize must be >= 1")
	}
	if strings.TrimSpace(cfg.Worktree.BaseDir) == "" {
		errs = append(errs, "worktree.baseDir is required")
	}
	if cfg.Manager.ListenAddr == "" {
		errs = append(errs, "manager.listenAddr is required")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn is required for the postgres driver")
	}
	if cfg.Manager.EvictionInterval > 0 && cfg.Manager.IdleTimeout > 0 &&
		cfg.Manager.EvictionInterval > cfg.Manager.IdleTimeout {
		errs = append(errs, "manager.evictionInterval must not exceed manager.idleTimeout")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BROKKD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// ExpandHome expands a leading "~/" in path against the user home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return home + path[1:], nil
}
