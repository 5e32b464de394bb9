package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"slumber/internal/hibernator"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var showVersion bool

	root := &cobra.Command{
		Use:           "slumber",
		Short:         "Hibernation gateway for game servers behind a REST controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			return run(configPath)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "/etc/slumber/config.yaml", "path to config.yaml")
	root.Flags().BoolVarP(&showVersion, "version", "V", false, "print the version and exit")

	return root
}

func run(configPath string) error {
	cfg, err := hibernator.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogging(cfg.Logging)

	app := hibernator.NewApp(cfg)
	if err := app.Run(context.Background()); err != nil {
		return fmt.Errorf("fatal error: %w", err)
	}
	return nil
}

// configureLogging installs a slog handler writing to stderr and,
// optionally, a log file, at the configured level. The pack carries no
// rotation library, so file rotation itself (max_bytes/backup_count) is not
// implemented; the file is opened append-only and grows unbounded, same as
// piping stdout through an external rotator in a container deployment.
func configureLogging(cfg hibernator.LoggingConfig) {
	level := parseLevel(cfg.Level)

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open log file, logging to stderr only", "file", cfg.File, "error", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
