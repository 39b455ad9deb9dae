// Package main is the entry point for the mlsec-worker binary.
// It consumes job envelopes from the broker queue one at a time: defense
// jobs run end to end (image, sandbox, validation, evaluation loop) and
// attack jobs fan out to every eligible defense. The stale-worker reaper
// runs alongside the consume loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables, load the config file
//  2. Build logger
//  3. Open the database and connect to Redis
//  4. Connect to Docker (required: sandboxes, pulls and builds)
//  5. Build the executor and dispatcher, register them on the consumer
//  6. Start the reaper and the metrics listener
//  7. Block in the consume loop until SIGINT/SIGTERM
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

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/m4x1m03/mlsec-comp-platform/internal/blobstore"
	"github.com/m4x1m03/mlsec-comp-platform/internal/broker"
	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/db"
	"github.com/m4x1m03/mlsec-comp-platform/internal/dispatch"
	"github.com/m4x1m03/mlsec-comp-platform/internal/executor"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
	"github.com/m4x1m03/mlsec-comp-platform/internal/hostinfo"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
	"github.com/m4x1m03/mlsec-comp-platform/internal/reaper"
	"github.com/m4x1m03/mlsec-comp-platform/internal/registry"
	"github.com/m4x1m03/mlsec-comp-platform/internal/repositories"
	"github.com/m4x1m03/mlsec-comp-platform/internal/sandbox"
	"github.com/m4x1m03/mlsec-comp-platform/internal/source"
	"github.com/m4x1m03/mlsec-comp-platform/internal/validate"
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
		Use:   "mlsec-worker",
		Short: "MLSec worker — runs defense and attack jobs from the queue",
		Long: `MLSec worker consumes job envelopes from the Redis queue and runs
them: defense jobs launch a sandboxed classifier and evaluate attacks
against it, attack jobs fan new attacks out to eligible defenses.
One envelope is in flight per worker process; scale by running more.`,
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
			fmt.Printf("mlsec-worker %s (commit: %s, built: %s)\n", version, commit, date)
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

	logger.Info("starting mlsec worker",
		zap.String("version", version),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("queue", cfg.Broker.Queue),
		zap.String("gateway_url", cfg.Gateway.URL),
	)

	host := hostinfo.Collect(ctx)
	logger.Info("worker host",
		zap.String("hostname", host.Hostname),
		zap.Int("cpu_count", host.CPUCount),
		zap.Int64("mem_total_mb", host.MemTotalMB),
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

	// --- Docker ---
	// Unlike the other backends Docker is checked eagerly: a worker that
	// cannot launch sandboxes would fail every defense job it picks up.
	dc, err := sandbox.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		return err
	}
	defer dc.Close()
	if _, err := dc.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	// --- Blob store ---
	blobs, err := blobstore.NewMinIO(blobstore.Config{
		Endpoint:  cfg.Blobstore.Endpoint,
		AccessKey: cfg.Blobstore.AccessKey,
		SecretKey: cfg.Blobstore.SecretKey,
		Bucket:    cfg.Blobstore.Bucket,
		UseSSL:    cfg.Blobstore.UseSSL,
	})
	if err != nil {
		return err
	}

	// --- Components ---
	jobs := repositories.NewJobRepository(database)
	subs := repositories.NewSubmissionRepository(database)
	evals := repositories.NewEvaluationRepository(database)
	reg := registry.New(rdb, logger)
	m := metrics.New()

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.AuthSecret, cfg.Evaluation.RequestsTimeout())

	exec := executor.New(executor.Params{
		Jobs:        jobs,
		Submissions: subs,
		Evaluations: evals,
		Registry:    reg,
		Resolver:    source.New(dc, blobs, cfg.Source, logger),
		Sandbox:     sandbox.NewManager(dc, cfg.DefenseJob, cfg.Gateway.ContainerName, logger),
		Validator:   validate.NewDefense(dc, gw, cfg.DefenseJob, logger),
		Gateway:     gw,
		Blobs:       blobs,
		Metrics:     m,
		Cfg:         cfg,
		Log:         logger,
	})

	disp := dispatch.New(dispatch.Params{
		Jobs:        jobs,
		Submissions: subs,
		Evaluations: evals,
		Registry:    reg,
		Publisher:   broker.NewPublisher(rdb, cfg.Broker.Queue, logger),
		Validator:   validate.AcceptAll{},
		Metrics:     m,
		Log:         logger,
	})

	consumer := broker.NewConsumer(rdb, cfg.Broker.Queue, logger)
	consumer.Handle(broker.TaskRunDefenseJob, exec.Handle)
	consumer.Handle(broker.TaskRunAttackJob, disp.Handle)

	// --- Reaper ---
	rp, err := reaper.New(reg, jobs, cfg.Worker.Reaper, logger)
	if err != nil {
		return err
	}
	if err := rp.Start(); err != nil {
		return err
	}

	// --- Metrics listener ---
	// Non-fatal: several workers on one host share the default port, and a
	// worker without metrics still does its job.
	metricsRouter := chi.NewRouter()
	metricsRouter.Method(http.MethodGet, "/metrics", m.Handler())
	metricsRouter.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: metricsRouter}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener failed", zap.Error(err))
		}
	}()

	// --- Consume loop ---
	// Blocks until ctx is cancelled. A job in flight drains and tears its
	// sandbox down before Run returns.
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	if err := rp.Stop(); err != nil {
		logger.Warn("reaper stop", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}

	logger.Info("mlsec worker stopped")
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
