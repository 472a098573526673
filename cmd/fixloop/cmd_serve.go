package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fixloop/pkg/config"
	"fixloop/pkg/httpapi"
)

// newServeCmd creates the "fixloop serve" subcommand.
func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fixloop HTTP daemon",
		Long: "Serves the spawn, fix-status and streaming API, reaps spawns that outlive\n" +
			"spawn.timeout, and reloads limits when the config file changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Listen = addr
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			go a.svc.RunReaper(ctx, cfg.Spawn.ReapInterval.D())
			if path := flags.resolvedPath(); path != "" {
				go func() {
					err := config.Watch(ctx, path, logger, func(next *config.Config) {
						a.applyLimits(context.WithoutCancel(ctx), next)
					})
					if err != nil {
						logger.Warn("config hot reload disabled", "path", path, "error", err)
					}
				}()
			}

			logger.Info("fixloop starting", "addr", cfg.Listen, "db", cfg.DBPath, "runner", cfg.Runner.Kind,
				"max_spawns", cfg.Limits.MaxSpawns, "max_concurrent", cfg.Limits.MaxConcurrent)
			srv := httpapi.New(a.svc, httpapi.Config{
				Addr:           cfg.Listen,
				AuthToken:      cfg.AuthToken,
				AllowedOrigins: cfg.AllowedOrigins,
				Logger:         logger,
			})
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config listen)")
	return cmd
}
