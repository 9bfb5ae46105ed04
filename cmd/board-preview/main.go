// Package main provides the board-preview binary: the link preview and image
// proxy service behind the community board.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tiulpin/board-preview/internal/config"
	"github.com/tiulpin/board-preview/internal/metrics"
	"github.com/tiulpin/board-preview/internal/preview"
	"github.com/tiulpin/board-preview/internal/server"
)

const (
	Version = "0.1.0"
	appName = "board-preview"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Link preview and image proxy service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional .env file with "+config.EnvPrefix+"* overrides")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (json, text)")

	cmd.AddCommand(serveCmd(&flags), resolveCmd(&flags), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /link-preview and /image-proxy over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			srv, err := server.New(*cfg, metrics.New(), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

func resolveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>",
		Short: "Resolve one link preview and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			target, err := preview.Validate(args[0])
			if err != nil {
				return err
			}
			cfg.Cache.Enabled = false
			resolver, err := server.NewResolver(*cfg, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resolver.Resolve(ctx, target))
		},
	}
}

func setup(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	if err := config.LoadEnvFile(flags.envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = strings.ToLower(flags.logLevel)
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = strings.ToLower(flags.logFormat)
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
