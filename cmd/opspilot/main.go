// Command opspilot runs the workflow orchestration engine: an HTTP
// trigger surface, a durable task queue on JetStream, and a pool of
// task executors, backed by Postgres for authoritative state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opspilot/opspilot/config"
	"github.com/opspilot/opspilot/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "opspilot"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "DevOps workflow orchestration engine",
		Long: `Opspilot orchestrates multi-step operational workflows: incident
response, postmortem publication, and knowledge-base synchronization.

Workflows are DAGs of tasks executed asynchronously on a durable queue
with at-least-once delivery, per-step retries, and circuit breakers
around external integrations.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API, orchestrator, and executors in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, RoleAll)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "api",
		Short: "Run only the API surface and orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, RoleServe)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run only the task executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, RoleWorker)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(configPath, logLevel)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func run(configPath, logLevel string, role Role) error {
	logger := newLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(cfg, logger)
	if err := app.Start(ctx, role); err != nil {
		return err
	}

	<-ctx.Done()
	app.Shutdown(30 * time.Second)
	return nil
}

func migrate(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := store.Migrate(ctx, st.DB()); err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads an explicit config file when given, otherwise the
// layered default + user + project + environment chain.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}
