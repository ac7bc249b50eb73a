// Package main is the entry point for the jiascheduler console binary,
// the control plane that dispatches jobs through comets and folds the
// event stream into relational history.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bus"
	"github.com/jiawesoft/jiascheduler-sub000/internal/console"
	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const leaderLeaseTTL = 10 * time.Second

type config struct {
	bind     string
	redisURL string
	dbDriver string
	dbDSN    string
	secret   string
	logLevel string
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
		Use:   "jiascheduler-console",
		Short: "jiascheduler console — control plane for job scheduling",
		Long: `jiascheduler console serves the operator API, fans job dispatches out
to the comets fronting each target agent, consumes the scheduling event
stream into the database, and sweeps stale instances while holding the
leader lease.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.bind, "bind", envOrDefault("JIASCHEDULER_CONSOLE_BIND", ":9090"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.redisURL, "redis-url", envOrDefault("JIASCHEDULER_REDIS_URL", "redis://127.0.0.1:6379"), "Redis connection URL")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("JIASCHEDULER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("JIASCHEDULER_DB_DSN", "./jiascheduler.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("JIASCHEDULER_COMET_SECRET", ""), "Shared secret used when calling comets")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIASCHEDULER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-console %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := console.OpenDB(console.DBConfig{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
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

	store := registry.NewStore(rdb)
	eventBus := bus.New(rdb, localIP(opts.Addr), logger)
	election := registry.NewElection(rdb, registry.DefaultLeaderKey, leaderLeaseTTL, logger)

	dispatcher := console.NewDispatcher(db, store, cfg.secret, logger)
	events := console.NewEventHandler(db, dispatcher, logger)
	sweeper := console.NewSweeper(db, election, logger)
	api := console.NewAPI(db, dispatcher, logger)

	srv := &http.Server{
		Addr:              cfg.bind,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting jiascheduler console",
		zap.String("version", version),
		zap.String("bind", cfg.bind),
		zap.String("db_driver", cfg.dbDriver),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := eventBus.Consume(ctx, events.Handle); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("event consumer: %w", err)
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("sweeper: %w", err)
		}
	}()
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
	_ = election.Resign(shutdownCtx)
	logger.Info("jiascheduler console stopped")
	return nil
}

// localIP names this replica inside the bus consumer group. The UDP
// connect resolves the route toward redis without sending packets.
func localIP(anchor string) string {
	conn, err := net.Dial("udp", anchor)
	if err != nil {
		conn, err = net.Dial("udp", "8.8.8.8:53")
		if err != nil {
			return "console"
		}
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
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
