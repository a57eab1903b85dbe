package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghrunner/broker-proxy/internal/broker"
	"github.com/ghrunner/broker-proxy/internal/target"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	port        int
	logLevel    string
	runnerDir   string
	targetsFile string
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
		Use:   "broker-proxy",
		Short: "broker-proxy — local proxy fanning CI worker traffic out across multiple job-broker targets",
		Long: `broker-proxy sits between local CI worker processes and one or more
upstream job-broker endpoints. It mints per-target OAuth bearer tokens,
maintains an upstream session per target, long-polls for job messages,
claims jobs on workers' behalf, and forwards the rest of the job lifecycle
to the correct upstream endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("CIPROXY_PORT", 8787), "Local HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CIPROXY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.runnerDir, "runner-dir", envOrDefault("CIPROXY_RUNNER_DIR", "./runner-data"), "Directory holding broker-sessions.json and per-target credential subdirectories")
	root.PersistentFlags().StringVar(&cfg.targetsFile, "targets-file", envOrDefault("CIPROXY_TARGETS_FILE", "./targets.yaml"), "Path to the target manifest")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("broker-proxy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting broker-proxy",
		zap.String("version", version),
		zap.Int("port", cfg.port),
		zap.String("runner_dir", cfg.runnerDir),
		zap.String("targets_file", cfg.targetsFile),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	targets, err := target.LoadTargets(cfg.targetsFile)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	registry := prometheus.NewRegistry()

	svc, err := broker.New(broker.Config{
		Port:      cfg.port,
		RunnerDir: cfg.runnerDir,
		Logger:    logger,
		Registry:  registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create broker service: %w", err)
	}

	for _, tg := range targets {
		svc.AddTarget(tg)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker service: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down broker-proxy")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("broker service shutdown error", zap.Error(err))
	}

	logger.Info("broker-proxy stopped")
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

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}
