package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devtomas22/note/internal/audit"
	"github.com/devtomas22/note/internal/config"
	"github.com/devtomas22/note/internal/connectors"
	"github.com/devtomas22/note/internal/connectors/inproc"
	"github.com/devtomas22/note/internal/connectors/localexec"
	"github.com/devtomas22/note/internal/culler"
	"github.com/devtomas22/note/internal/gateway"
	"github.com/devtomas22/note/internal/kernel/luart"
	"github.com/devtomas22/note/internal/kernelspec"
	"github.com/devtomas22/note/internal/logging"
	"github.com/devtomas22/note/internal/store"
	"github.com/devtomas22/note/internal/supervisor"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the note gateway",
	Long:  `Starts the gateway, which supervises kernels and serves the REST and WebSocket API.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to config.yaml (default ~/.note/config.yaml)")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, overrides the config file")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database, overrides the config file")
}

func loadDaemonConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
	} else {
		cfg, err = config.LoadConfigFromHome()
	}
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildRegistry(cfg *config.Config) (*kernelspec.Registry, error) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	specs := kernelspec.NewRegistry()
	specs.RegisterDefaults(self)
	for _, spec := range cfg.KernelSpecs {
		if err := specs.Register(spec); err != nil {
			return nil, fmt.Errorf("kernelspec %q: %w", spec.Name, err)
		}
	}
	if cfg.DefaultKernel != "" {
		if err := specs.SetDefault(cfg.DefaultKernel); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

func supervisorConfig(cfg *config.Config, logger *slog.Logger, history *gateway.History) supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.MaxKernels = cfg.Kernels.MaxKernels
	sc.StartupTimeout = cfg.Kernels.StartupTimeout.D()
	sc.ShutdownGrace = cfg.Kernels.ShutdownGrace.D()
	sc.HeartbeatInterval = cfg.Kernels.HeartbeatInterval.D()
	sc.HeartbeatTimeout = cfg.Kernels.HeartbeatTimeout.D()
	sc.ExecutionTimeout = cfg.Kernels.ExecutionTimeout.D()
	sc.CancelGrace = cfg.Kernels.CancelGrace.D()
	sc.OnExecution = history.Observe
	sc.Logger = logger
	return sc
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, Service: "note"})
	slog.SetDefault(logger)
	logger.Info("starting note daemon", "version", version, "db", cfg.DBPath)

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	specs, err := buildRegistry(cfg)
	if err != nil {
		s.Close()
		return err
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	launchers := []connectors.Launcher{
		localexec.New(workDir, cfg.AllowedPrograms, logger),
		inproc.New(map[string]inproc.Factory{"lua": luart.Factory}, logger),
	}

	history := gateway.NewHistory(s, logger)
	sup := supervisor.New(specs, launchers, supervisorConfig(cfg, logger, history))
	recorder := audit.NewRecorder(s)

	service := gateway.NewService(sup, specs, s, recorder, logger)
	cull := culler.New(sup, culler.Config{
		Interval:      cfg.Culler.Interval.D(),
		IdleTimeout:   cfg.Culler.IdleTimeout.D(),
		CullConnected: cfg.Culler.CullConnected,
		DeadRetention: cfg.Culler.DeadRetention.D(),
		Audit:         recorder,
		Logger:        logger,
	})
	cull.Start()

	server := gateway.NewServer(service, gateway.ServerConfig{
		Addr:        cfg.Listen,
		AuthToken:   cfg.AuthToken,
		Version:     version,
		Logger:      logger,
		CullerStats: cull.Stats,
	})

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error("server error", "error", runErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}

	cull.Stop()

	logger.Info("shutting down kernels")
	if err := sup.Close(shutdownCtx); err != nil {
		logger.Warn("kernel shutdown", "error", err)
	}
	history.Close()

	logger.Info("closing database")
	if err := s.Close(); err != nil {
		logger.Warn("database close", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}
