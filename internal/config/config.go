// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Data      DataConfig      `mapstructure:"data"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Git       GitConfig       `mapstructure:"git"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
}

// DataConfig locates the persistent data root. Everything the process writes
// (store, bare repos, snapshots) lives under Root.
type DataConfig struct {
	Root         string `mapstructure:"root"`
	GitReposDir  string `mapstructure:"git_repos_dir"`
	SnapshotsDir string `mapstructure:"snapshots_dir"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Database string `mapstructure:"database"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
	IncludeLevel     bool `mapstructure:"include_level"`
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds HTTP server configuration. BaseURL is the address
// advertised to runners in clone URLs; it must be reachable from wherever
// runners execute.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	BaseURL        string   `mapstructure:"base_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	DefaultBranch    string        `mapstructure:"default_branch"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// QueueConfig holds job queue and runner pool configuration.
type QueueConfig struct {
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadFactor        int           `mapstructure:"dead_factor"`
	DispatchTick      time.Duration `mapstructure:"dispatch_tick"`
}

// EngineConfig holds pipeline engine configuration.
type EngineConfig struct {
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	RunCapFactor float64       `mapstructure:"run_cap_factor"`
	CancelGrace  time.Duration `mapstructure:"cancel_grace"`
	ContextDir   string        `mapstructure:"context_dir"`
	BranchPrefix string        `mapstructure:"branch_prefix"`
}

// TriggerConfig holds trigger service configuration.
type TriggerConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// DebugConfig holds debug session configuration.
type DebugConfig struct {
	DefaultExpiry time.Duration `mapstructure:"default_expiry"`
	MaxExpiry     time.Duration `mapstructure:"max_expiry"`
}

// BroadcastConfig holds UI fan-out configuration.
type BroadcastConfig struct {
	ClientBuffer      int           `mapstructure:"client_buffer"`
	PoolStatsDebounce time.Duration `mapstructure:"pool_stats_debounce"`
	SSEPingInterval   time.Duration `mapstructure:"sse_ping_interval"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lazyaf/")
		v.AddConfigPath("$HOME/.lazyaf")
	}

	v.SetEnvPrefix("LAZYAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This overwrites the default values with any values found in the
	// config file or env vars.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Data: DataConfig{
			Root:         "./data",
			GitReposDir:  "git_repos",
			SnapshotsDir: "snapshots",
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "lazyaf.db",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "console",
					Enabled: true,
				},
				{
					Type:    "file",
					Enabled: false,
					Path:    "./logs/lazyaf.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
			},
			Levels: map[string]string{
				"store":   "INFO",
				"git":     "INFO",
				"bus":     "INFO",
				"queue":   "INFO",
				"runner":  "INFO",
				"cards":   "INFO",
				"engine":  "INFO",
				"trigger": "INFO",
				"debug":   "INFO",
				"api":     "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:    true,
				IncludeTimestamp: true,
				IncludeLevel:     true,
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    8080,
			BaseURL: "http://127.0.0.1:8080",
		},
		Git: GitConfig{
			DefaultBranch:    "main",
			OperationTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			AckTimeout:        30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			DeadFactor:        3,
			DispatchTick:      time.Second,
		},
		Engine: EngineConfig{
			StepTimeout:  300 * time.Second,
			RunCapFactor: 1.1,
			CancelGrace:  15 * time.Second,
			ContextDir:   ".lazyaf-context",
			BranchPrefix: "lazyaf/",
		},
		Trigger: TriggerConfig{
			DedupWindow: 60 * time.Second,
		},
		Debug: DebugConfig{
			DefaultExpiry: time.Hour,
			MaxExpiry:     4 * time.Hour,
		},
		Broadcast: BroadcastConfig{
			ClientBuffer:      256,
			PoolStatsDebounce: 500 * time.Millisecond,
			SSEPingInterval:   15 * time.Second,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Data.Root != "" {
		c.Data.Root = expandPath(c.Data.Root)
	}
	if c.Database.Database != "" && c.Database.Database != ":memory:" {
		c.Database.Database = expandPath(c.Database.Database)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Data.Root == "" {
		return errors.New("data root is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Queue.AckTimeout <= 0 {
		return errors.New("queue.ack_timeout must be positive")
	}
	if c.Queue.HeartbeatInterval <= 0 {
		return errors.New("queue.heartbeat_interval must be positive")
	}
	if c.Queue.DeadFactor < 1 {
		return fmt.Errorf("queue.dead_factor must be >= 1, got: %d", c.Queue.DeadFactor)
	}

	if c.Engine.StepTimeout <= 0 {
		return errors.New("engine.step_timeout must be positive")
	}
	if c.Engine.RunCapFactor < 1.0 {
		return fmt.Errorf("engine.run_cap_factor must be >= 1.0, got: %v", c.Engine.RunCapFactor)
	}

	if c.Debug.DefaultExpiry <= 0 || c.Debug.MaxExpiry < c.Debug.DefaultExpiry {
		return errors.New("debug expiry out of range")
	}

	return nil
}

// GitReposPath returns the directory holding bare repositories.
func (c *AppConfig) GitReposPath() string {
	return filepath.Join(c.Data.Root, c.Data.GitReposDir)
}

// SnapshotsPath returns the directory holding workspace snapshots.
func (c *AppConfig) SnapshotsPath() string {
	return filepath.Join(c.Data.Root, c.Data.SnapshotsDir)
}

// DatabasePath returns the store location under the data root.
func (c *AppConfig) DatabasePath() string {
	if c.Database.Database == ":memory:" || filepath.IsAbs(c.Database.Database) {
		return c.Database.Database
	}
	return filepath.Join(c.Data.Root, c.Database.Database)
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	if dc.Database == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return dc.Database
}
