// Package config provides configuration types and defaults for memva.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/memva/memva/internal/log"
)

// Environments the daemon can run as. Each gets its own database file.
const (
	EnvDev  = "dev"
	EnvProd = "prod"
	EnvTest = "test"
)

// Config holds all configuration options for memva.
type Config struct {
	// Environment selects the database file (memva-<env>.db).
	// Valid values: "dev", "prod", "test"
	Environment string `mapstructure:"environment"`

	// DataDir is where the database, backups, and traces live.
	// Default: ~/.memva
	DataDir string `mapstructure:"data_dir"`

	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Workers WorkersConfig `mapstructure:"workers"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is the minimum severity: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`

	// File redirects log output to a file; empty logs to stderr.
	File string `mapstructure:"file"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WorkersConfig controls the background job pool.
type WorkersConfig struct {
	// Count is the number of concurrent workers. Default: 4
	Count int `mapstructure:"count"`

	// PollInterval is how often an idle worker checks for due jobs.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ShutdownGrace bounds how long shutdown waits for in-flight jobs.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// AgentConfig holds settings for the claude subprocess.
type AgentConfig struct {
	// Binary is the agent executable on PATH.
	Binary string `mapstructure:"binary"`

	// Model overrides the agent's default model when set.
	Model string `mapstructure:"model"`

	// Timeout is the per-run deadline. Default: 30m
	Timeout time.Duration `mapstructure:"timeout"`
}

// JobsConfig controls the periodic background jobs.
type JobsConfig struct {
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	SessionSyncInterval time.Duration `mapstructure:"session_sync_interval"`
	VacuumInterval      time.Duration `mapstructure:"vacuum_interval"`
	BackupInterval      time.Duration `mapstructure:"backup_interval"`

	// BackupRetention is how many backup files to keep; older ones are
	// pruned after each backup run.
	BackupRetention int `mapstructure:"backup_retention"`

	// BackupDir overrides the default <data_dir>/backups location.
	BackupDir string `mapstructure:"backup_dir"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <data_dir>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DatabasePath returns the database file for the configured environment.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("memva-%s.db", c.Environment))
}

// BackupDir returns where database backups are written.
func (c Config) BackupDir() string {
	if c.Jobs.BackupDir != "" {
		return c.Jobs.BackupDir
	}
	return filepath.Join(c.DataDir, "backups")
}

// TracesFilePath returns the file exporter output path.
func (c Config) TracesFilePath() string {
	if c.Tracing.FilePath != "" {
		return c.Tracing.FilePath
	}
	return filepath.Join(c.DataDir, "traces", "traces.jsonl")
}

// DefaultDataDir returns ~/.memva or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".memva")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Environment: EnvDev,
		DataDir:     DefaultDataDir(),
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8484,
		},
		Workers: WorkersConfig{
			Count:         4,
			PollInterval:  250 * time.Millisecond,
			ShutdownGrace: 5 * time.Second,
		},
		Agent: AgentConfig{
			Binary:  "claude",
			Timeout: 30 * time.Minute,
		},
		Jobs: JobsConfig{
			MaintenanceInterval: time.Minute,
			SessionSyncInterval: 5 * time.Minute,
			VacuumInterval:      24 * time.Hour,
			BackupInterval:      6 * time.Hour,
			BackupRetention:     5,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from data dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors. Empty values that have
// defaults are filled by the loader before validation runs.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvProd, EnvTest:
		// Valid
	default:
		return fmt.Errorf("environment must be \"dev\", \"prod\", or \"test\", got %q", c.Environment)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Workers.PollInterval <= 0 {
		return fmt.Errorf("workers.poll_interval must be positive, got %v", c.Workers.PollInterval)
	}

	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive, got %v", c.Agent.Timeout)
	}

	if c.Jobs.BackupRetention < 1 {
		return fmt.Errorf("jobs.backup_retention must be at least 1, got %d", c.Jobs.BackupRetention)
	}

	return ValidateTracing(c.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Memva Configuration

# Environment selects the database file: memva-<environment>.db
# Valid values: dev, prod, test
environment: dev

# Where the database, backups, and traces live (default: ~/.memva)
# data_dir: /path/to/data

# Logging
log:
  level: info   # debug, info, warn, error
  # file: /path/to/memva.log  # empty logs to stderr

# HTTP API listener
server:
  host: 127.0.0.1
  port: 8484

# Background job workers
workers:
  count: 4                # concurrent job workers
  poll_interval: 250ms    # idle worker poll cadence
  shutdown_grace: 5s      # wait for in-flight jobs on shutdown

# Agent subprocess
agent:
  binary: claude      # executable on PATH
  # model: opus       # override the agent's default model
  timeout: 30m        # per-run deadline

# Periodic jobs
jobs:
  maintenance_interval: 1m    # permission expiry, stale job sweep
  session_sync_interval: 5m   # session metadata rollup
  vacuum_interval: 24h        # database compaction
  backup_interval: 6h         # online backup cadence
  backup_retention: 5         # backup files kept
  # backup_dir: /path/to/backups  # default: <data_dir>/backups

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.memva/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
