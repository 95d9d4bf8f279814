package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tributary-ai/adaptive-router/internal/config"
	"github.com/tributary-ai/adaptive-router/internal/routing"
	"github.com/tributary-ai/adaptive-router/internal/server"
	"github.com/tributary-ai/adaptive-router/internal/store"
	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Set at build time with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errRegressionDetected makes the regress command exit non-zero
var errRegressionDetected = errors.New("regression detected")

// Application represents the main application
type Application struct {
	config  *config.Config
	router  *routing.Router
	store   *store.SQLiteStore
	catalog []types.Provider
	logger  *logrus.Logger
}

// NewApplication loads configuration and wires the routing pipeline
func NewApplication(configPath string) (*Application, error) {
	// A missing .env is fine
	_ = godotenv.Load(".env")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{config: cfg, logger: logger}

	var opts []routing.Option
	if cfg.Store.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open parameter store: %w", err)
		}
		app.store = st
		opts = append(opts, routing.WithSnapshotStore(st), routing.WithBaselineStore(st))
	}

	app.router = routing.NewRouter(cfg.RouterSettings(), logger, opts...)

	restored, err := app.router.WarmStart(context.Background())
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to restore parameters: %w", err)
	}
	if restored {
		logger.WithField("path", cfg.Store.Path).Info("Membership parameters restored")
	}

	if cfg.Catalog != "" {
		if err := app.loadCatalog(cfg.Catalog); err != nil {
			app.Close()
			return nil, err
		}
	}

	return app, nil
}

func (app *Application) loadCatalog(path string) error {
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("failed to load provider catalog: %w", err)
	}
	app.catalog = catalog
	app.logger.WithFields(logrus.Fields{
		"path":      path,
		"providers": len(catalog),
	}).Info("Provider catalog loaded")
	return nil
}

// Close releases the parameter store
func (app *Application) Close() {
	if app.store == nil {
		return
	}
	if err := app.store.Close(); err != nil {
		app.logger.WithError(err).Error("Failed to close parameter store")
	}
}

// Run serves the ops API until a shutdown signal arrives
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting adaptive router")

	srv, err := server.NewServer(app.router, app.config.ToServerConfig(), app.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetCatalog(app.catalog)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := srv.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	// Set log format
	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	// Set output
	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "llm-router",
		Short:         "Adaptive provider router",
		Long:          "llm-router scores providers with self-tuning fuzzy rules and serves routing decisions, feedback and regression checks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newRegressCmd(&configPath))
	rootCmd.AddCommand(newParamsCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRegressionDetected) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
