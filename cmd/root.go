// Package cmd implements the memva command line interface.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memva/memva/internal/config"
)

func init() {
	// Query the terminal background via lipgloss/termenv before any
	// Bubble Tea program runs. Otherwise the OSC 11 reply races the tail
	// client's input loop and shows up as garbage keystrokes.
	//
	// https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	debugMode bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "memva",
	Short: "Manager for long-running agent coding sessions",
	Long: `Memva runs coding-agent sessions as durable background jobs: a SQLite
job queue feeds a worker pool that drives agent subprocesses, every
message lands in an append-only event log streamed over SSE, and tool
permissions route through an out-of-process broker so prompts survive
daemon restarts.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/memva/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("environment", defaults.Environment)
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.file", defaults.Log.File)
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("workers.count", defaults.Workers.Count)
	viper.SetDefault("workers.poll_interval", defaults.Workers.PollInterval)
	viper.SetDefault("workers.shutdown_grace", defaults.Workers.ShutdownGrace)
	viper.SetDefault("agent.binary", defaults.Agent.Binary)
	viper.SetDefault("agent.model", defaults.Agent.Model)
	viper.SetDefault("agent.timeout", defaults.Agent.Timeout)
	viper.SetDefault("jobs.maintenance_interval", defaults.Jobs.MaintenanceInterval)
	viper.SetDefault("jobs.session_sync_interval", defaults.Jobs.SessionSyncInterval)
	viper.SetDefault("jobs.vacuum_interval", defaults.Jobs.VacuumInterval)
	viper.SetDefault("jobs.backup_interval", defaults.Jobs.BackupInterval)
	viper.SetDefault("jobs.backup_retention", defaults.Jobs.BackupRetention)
	viper.SetDefault("jobs.backup_dir", defaults.Jobs.BackupDir)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// MEMVA_SERVER_PORT=9000 overrides server.port, and so on. Every key
	// has a default above, which is what makes env-only values visible
	// to Unmarshal.
	viper.SetEnvPrefix("MEMVA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// A project-local .memva/config.yaml wins over the user config in
		// ~/.config/memva/.
		if _, err := os.Stat(filepath.Join(".memva", "config.yaml")); err == nil {
			viper.SetConfigFile(filepath.Join(".memva", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "memva"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a commented default at
		// ~/.config/memva/config.yaml so the next run has one to edit.
		// When even that write fails we run on defaults alone.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if home, homeErr := os.UserHomeDir(); homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "memva", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	if debugMode || os.Getenv("MEMVA_DEBUG") != "" {
		cfg.Log.Level = "debug"
	}
}

// Execute dispatches to the selected subcommand.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion overrides the placeholder version with the ldflags value.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
