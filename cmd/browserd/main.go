package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/browserd/pkg/config"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	apiPort    int
	poolSize   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "browserd",
		Short: "Browser sandbox orchestrator",
		Long: `browserd creates, tracks, heals and tears down one browser daemon
container per session. It keeps a warm pool of pre-started daemons, leases
host ports without collision and routes session hostnames to the right
container.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, API server and proxy edge",
		RunE:  runServer,
	}
	cmd.Flags().IntVarP(&apiPort, "port", "p", 0, "API server port")
	cmd.Flags().IntVar(&poolSize, "pool-size", -1, "warm pool size")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags win over file and environment
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if apiPort > 0 {
		cfg.Server.Port = apiPort
	}
	if poolSize >= 0 {
		cfg.Pool.Size = poolSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("provider", cfg.Provider.Type).
		Int("pool_size", cfg.Pool.Size).
		Int("port_start", cfg.Ports.Start).
		Int("port_end", cfg.Ports.End).
		Msg("Starting browserd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.start(); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		a.shutdown(shutdownCtx)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	case serveErr = <-a.errCh:
		logger.Error().Err(serveErr).Msg("Server error")
	}

	// A second signal during shutdown kills the process
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	a.shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
	return serveErr
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	} else {
		output = os.Stderr
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return logger, nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "browserd.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Provider: %s (%s)\n", cfg.Provider.Type, cfg.Provider.Image)
			fmt.Fprintf(out, "Ports: %d-%d\n", cfg.Ports.Start, cfg.Ports.End)
			fmt.Fprintf(out, "Pool size: %d\n", cfg.Pool.Size)
			fmt.Fprintf(out, "API: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
			if cfg.Proxy.Enabled {
				fmt.Fprintf(out, "Proxy: %s:%d (*.%s)\n", cfg.Proxy.Address, cfg.Proxy.Port, cfg.Proxy.BaseDomain)
			}
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "browserd\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}
