// Package main is the entry point for the jiascheduler agent binary.
// It wires the scheduler, executor and uplink manager together and runs
// the reconnect loop until shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/agent"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	cometAddrs     []string
	cometSecret    string
	namespace      string
	outputDir      string
	sshUser        string
	sshPassword    string
	sshPort        uint16
	assignUser     string
	assignPassword string
	logLevel       string
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
		Use:   "jiascheduler-agent",
		Short: "jiascheduler agent — executes jobs on this host",
		Long: `jiascheduler agent runs on every managed host. It keeps a WebSocket
uplink to a comet, receives job dispatches over it, executes them with
once, timer or daemon semantics, and reports state changes back up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringSliceVar(&cfg.cometAddrs, "comet-addr", []string{envOrDefault("JIASCHEDULER_COMET_ADDR", "127.0.0.1:3000")}, "Comet address (host:port); repeat for failover rotation")
	root.PersistentFlags().StringVar(&cfg.cometSecret, "comet-secret", envOrDefault("JIASCHEDULER_COMET_SECRET", ""), "Shared secret for comet authentication")
	root.PersistentFlags().StringVar(&cfg.namespace, "namespace", envOrDefault("JIASCHEDULER_NAMESPACE", "default"), "Namespace this host registers under")
	root.PersistentFlags().StringVar(&cfg.outputDir, "output-dir", envOrDefault("JIASCHEDULER_OUTPUT_DIR", "./log"), "Directory for per-job output logs")
	root.PersistentFlags().StringVar(&cfg.sshUser, "ssh-user", envOrDefault("JIASCHEDULER_SSH_USER", ""), "Default SSH user for web terminal sessions")
	root.PersistentFlags().StringVar(&cfg.sshPassword, "ssh-password", envOrDefault("JIASCHEDULER_SSH_PASSWORD", ""), "Default SSH password for web terminal sessions")
	root.PersistentFlags().Uint16Var(&cfg.sshPort, "ssh-port", 22, "Local sshd port for web terminal sessions")
	root.PersistentFlags().StringVar(&cfg.assignUser, "assign-username", envOrDefault("JIASCHEDULER_ASSIGN_USERNAME", ""), "Console login assigned on first registration")
	root.PersistentFlags().StringVar(&cfg.assignPassword, "assign-password", envOrDefault("JIASCHEDULER_ASSIGN_PASSWORD", ""), "Console password assigned on first registration")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIASCHEDULER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.cometSecret == "" {
		logger.Warn("comet-secret not configured, uplink authentication will fail against a secured comet")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := agent.New(agent.Config{
		CometAddrs:     cfg.cometAddrs,
		CometSecret:    cfg.cometSecret,
		Namespace:      cfg.namespace,
		OutputDir:      cfg.outputDir,
		SSHUser:        cfg.sshUser,
		SSHPassword:    cfg.sshPassword,
		SSHPort:        cfg.sshPort,
		AssignUser:     cfg.assignUser,
		AssignPassword: cfg.assignPassword,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("starting jiascheduler agent",
		zap.String("version", version),
		zap.Strings("comet_addrs", cfg.cometAddrs),
		zap.String("namespace", cfg.namespace),
		zap.String("output_dir", cfg.outputDir),
	)

	err = mgr.Run(ctx)
	logger.Info("jiascheduler agent stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
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
