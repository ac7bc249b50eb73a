// Package main is the entry point for the jiascheduler comet binary, the
// broker that terminates agent connections and relays console dispatches.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bus"
	"github.com/jiawesoft/jiascheduler-sub000/internal/comet"
	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	bind          string
	advertiseAddr string
	redisURL      string
	secret        string
	uploadDir     string
	logLevel      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "jiascheduler-comet",
		Short: "jiascheduler comet — broker between agents and the console",
		Long: `jiascheduler comet terminates agent WebSocket connections, relays
dispatches arriving on its HTTP surface down to agents, keeps the agent
registry fresh, and publishes scheduling events onto the Redis stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.bind, "bind", envOrDefault("JIASCHEDULER_COMET_BIND", ":3000"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.advertiseAddr, "advertise-addr", envOrDefault("JIASCHEDULER_COMET_ADVERTISE", ""), "Address agents' link pairs point at (host:port, required)")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("JIASCHEDULER_REDIS_URL", "redis://127.0.0.1:6379"), "Redis connection URL")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("JIASCHEDULER_COMET_SECRET", ""), "Shared secret agents and consoles authenticate with")
	root.PersistentFlags().StringVar(&cfg.uploadDir, "upload-dir", envOrDefault("JIASCHEDULER_UPLOAD_DIR", "./upload"), "Directory job upload files are served from")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIASCHEDULER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-comet %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.advertiseAddr == "" {
		return fmt.Errorf("advertise-addr is required: set --advertise-addr or JIASCHEDULER_COMET_ADVERTISE")
	}

	opts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := comet.NewMetrics(reg)

	store := registry.NewStore(rdb)
	eventBus := bus.New(rdb, cfg.advertiseAddr, logger)
	c := comet.New(comet.Config{
		Secret:        cfg.secret,
		AdvertiseAddr: cfg.advertiseAddr,
		UploadDir:     cfg.uploadDir,
	}, store, eventBus, metrics, logger)

	srv := &http.Server{
		Addr:              cfg.bind,
		Handler:           comet.NewRouter(c, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting jiascheduler comet",
		zap.String("version", version),
		zap.String("bind", cfg.bind),
		zap.String("advertise_addr", cfg.advertiseAddr),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	logger.Info("jiascheduler comet stopped")
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
