// Package main is the entry point for the mlsec-gateway binary: the single
// egress point between evaluation workers and sandboxed defense containers.
// The gateway container is attached to every job-private network, so it can
// resolve defense containers by name while the workers stay outside.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables, load the config file
//  2. Build logger
//  3. Build the forwarding proxy (shared secret + target allowlist)
//  4. Serve until SIGINT/SIGTERM, then graceful shutdown
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/m4x1m03/mlsec-comp-platform/internal/config"
	"github.com/m4x1m03/mlsec-comp-platform/internal/gateway"
	"github.com/m4x1m03/mlsec-comp-platform/internal/metrics"
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
		Use:   "mlsec-gateway",
		Short: "MLSec gateway — authenticated egress proxy to defense sandboxes",
		Long: `MLSec gateway forwards classification requests from evaluation
workers to defense containers on their isolated job networks. Requests
carry the real target in a header and are checked against a shared
secret and a target-name allowlist before forwarding.`,
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
			fmt.Printf("mlsec-gateway %s (commit: %s, built: %s)\n", version, commit, date)
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

	if cfg.Gateway.AuthSecret == "" {
		logger.Warn("gateway auth secret not configured — forwarding is unauthenticated (set MLSEC_GATEWAY_AUTH_SECRET in production)")
	}

	logger.Info("starting mlsec gateway",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Gateway.ListenAddr),
		zap.String("target_prefix", cfg.Gateway.AllowedTargetPrefix),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Router ---
	// The proxy logs its own failures; successful forwards are counted but
	// not logged.
	m := metrics.New()
	proxy := gateway.NewProxy(cfg.Gateway.AuthSecret, cfg.Gateway.AllowedTargetPrefix, nil, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Handle("/*", recordRequests(m, proxy))

	// --- HTTP server ---
	srv := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.Gateway.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down mlsec gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	logger.Info("mlsec gateway stopped")
	return nil
}

// recordRequests counts every proxied request by response status.
func recordRequests(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.GatewayRequest(ww.Status())
	})
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
