// Package main is the entry point for the mlsec-server binary: the dispatch
// API in front of the evaluation platform.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables, load the config file
//  2. Build logger
//  3. Open the database and apply migrations
//  4. Connect to Redis (worker registry + job queue)
//  5. Build the HTTP router and start serving
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/m4x1m03/mlsec-comp-platform/internal/api"
	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "mlsec-server",
		Short: "MLSec server — dispatch API for the evaluation platform",
		Long: `MLSec server fronts the malware-classification evaluation platform.
It exposes a REST API for queueing defense and attack jobs, inspecting
job state, and listing live evaluation workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfgPath, "config", envOrDefault("MLSEC_CONFIG", ""), "Path to YAML config file (optional; MLSEC_* env vars override)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mlsec-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting mlsec server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.API.ListenAddr),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("redis_addr", cfg.Redis.Addr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	// --- Router ---
	router := api.NewRouter(api.RouterConfig{
		Jobs:        repositories.NewJobRepository(database),
		Submissions: repositories.NewSubmissionRepository(database),
		Registry:    registry.New(rdb, logger),
		Publisher:   broker.NewPublisher(rdb, cfg.Broker.Queue, logger),
		Metrics:     metrics.New(),
		Logger:      logger,
	})

	// --- HTTP server ---
	srv := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.API.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down mlsec server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	logger.Info("mlsec server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
