package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memva/memva/internal/api"
	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/config"
	"github.com/memva/memva/internal/events"
	"github.com/memva/memva/internal/git"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/jobs"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/permissions"
	"github.com/memva/memva/internal/pool"
	"github.com/memva/memva/internal/queue"
	"github.com/memva/memva/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memva daemon",
	Long: `Run the session manager as a background daemon that exposes an HTTP API.

The daemon opens the database, fails any jobs a previous process left
running, starts the worker pool and periodic jobs, and serves the API
until interrupted. Session output is streamed over SSE; follow a
session from another terminal with 'memva tail <session-id>'.

Example:
  memva serve                  # listen on the configured address
  memva serve --addr :8080     # listen on port 8080`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Log to the configured file when set, stderr otherwise.
	logPath := cfg.Log.File
	if env := os.Getenv("MEMVA_LOG"); env != "" {
		logPath = env
	}
	var logCleanup func()
	if logPath != "" {
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
	} else {
		logCleanup = log.InitStderr()
	}
	defer logCleanup()
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Editing the config file adjusts the log level without a restart.
	viper.OnConfigChange(func(e fsnotify.Event) {
		var next config.Config
		if err := viper.Unmarshal(&next); err != nil {
			log.ErrorErr(log.CatConfig, "config reload failed", err, "file", e.Name)
			return
		}
		log.SetMinLevel(log.ParseLevel(next.Log.Level))
		log.Info(log.CatConfig, "config reloaded", "file", e.Name, "log_level", next.Log.Level)
	})
	if viper.ConfigFileUsed() != "" {
		viper.WatchConfig()
	}

	log.Info(log.CatConfig, "memva daemon starting",
		"version", version, "env", cfg.Environment, "data_dir", cfg.DataDir)

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" {
		tracingCfg.FilePath = cfg.TracesFilePath()
		if err := os.MkdirAll(filepath.Dir(tracingCfg.FilePath), 0o750); err != nil {
			return fmt.Errorf("creating traces directory: %w", err)
		}
	}
	tracer, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := sqlite.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.ErrorErr(log.CatStore, "closing database failed", err)
		}
	}()

	q := queue.NewManager(db.JobRepository())
	if _, err := q.RecoverAbandoned(context.Background()); err != nil {
		return fmt.Errorf("recovering abandoned jobs: %w", err)
	}

	pipeline := events.NewPipeline(db)
	broker := permissions.NewBroker(db)
	aborts := jobs.NewAbortRegistry()
	streamer := claude.NewStreamer(db.SessionRepository(), pipeline, cfg.Agent)

	// The session runner re-execs this binary as the MCP permission
	// sidecar, so the path must be absolute.
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	// A job is stale once it has outlived the agent deadline plus slack.
	staleAfter := cfg.Agent.Timeout + 5*time.Minute

	handlers := jobs.Handlers{
		SessionRunner: jobs.NewSessionRunner(jobs.SessionRunnerConfig{
			DB:         db,
			Streamer:   streamer,
			Broker:     broker,
			Aborts:     aborts,
			Executable: executable,
		}),
		Maintenance: jobs.NewMaintenance(db, broker, q, cfg.Jobs.MaintenanceInterval, staleAfter),
		SessionSync: jobs.NewSessionSync(db, q, git.NewCommandExecutor(), cfg.Jobs.SessionSyncInterval),
		Vacuum:      jobs.NewDatabaseVacuum(db, q, cfg.Jobs.VacuumInterval),
		Backup: jobs.NewDatabaseBackup(db, q, cfg.BackupDir(), cfg.Environment,
			cfg.Jobs.BackupRetention, cfg.Jobs.BackupInterval),
	}

	workers := pool.NewWorkerPool(pool.Config{
		Queue:         q,
		Workers:       cfg.Workers.Count,
		PollInterval:  cfg.Workers.PollInterval,
		ShutdownGrace: cfg.Workers.ShutdownGrace,
		Tracer:        tracer.Tracer(),
	})
	defer workers.Close()

	if err := jobs.RegisterAll(workers, handlers); err != nil {
		return fmt.Errorf("registering job handlers: %w", err)
	}
	if err := jobs.SeedPeriodic(context.Background(), q, cfg.Jobs); err != nil {
		return fmt.Errorf("seeding periodic jobs: %w", err)
	}
	if err := workers.Start(); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	serverCfg := api.ServerConfig{
		Addr: addr,
		Handler: api.HandlerConfig{
			DB:        db,
			Pipeline:  pipeline,
			Broker:    broker,
			Queue:     q,
			Aborts:    aborts,
			JobEvents: workers.Broker(),
			Version:   version,
		},
	}
	if tracer.Enabled() {
		serverCfg.Middleware = tracing.Middleware(tracer.Tracer())
	}
	server, err := api.NewServer(serverCfg)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	fmt.Printf("Memva daemon started on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "error stopping API server", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
