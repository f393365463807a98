package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/crm-export-proxy/internal/config"
	"github.com/sandeepkv93/crm-export-proxy/internal/di"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/repository"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "crm-export-proxy",
		Short:         "OAuth token-lifecycle proxy and export service for the CRM API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newSweepCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, cleanup, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			return application.Run(ctx)
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired export artifacts and sessions once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return sweep(cmd.Context(), cfg, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
		},
	}
}

func sweep(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	artifacts, err := export.NewArtifactStore(cfg.ExportDir, cfg.ExportTTL)
	if err != nil {
		return err
	}
	n, err := artifacts.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep artifacts: %w", err)
	}
	logger.InfoContext(ctx, "export artifacts swept", "removed", n)

	if cfg.SessionBackend != config.SessionBackendSQL {
		return nil
	}
	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer func() { _ = sqlDB.Close() }()
	}
	removed, err := repository.NewSessionStore(db).CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	logger.InfoContext(ctx, "expired sessions removed", "removed", removed)
	return nil
}
