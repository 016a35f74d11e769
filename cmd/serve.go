package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-expense/app"
	"github.com/dhcgn/mail-to-expense/config"
	"github.com/dhcgn/mail-to-expense/mcpserver"
	"github.com/dhcgn/mail-to-expense/stats"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the expense workflow as MCP tools over stdio or streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			// stdout carries the protocol in stdio mode.
			logger, cleanup, err := app.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx := cmd.Context()
			comps, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := comps.Close(); err != nil {
					logger.Warn("close components", "err", err)
				}
			}()

			srv, err := mcpserver.New(mcpserver.Config{
				Workflow: comps.RunnerOptions(cfg, logger),
				Metrics:  stats.NewMetrics(),
				Logger:   logger,
			})
			if err != nil {
				return fmt.Errorf("mcpserver.New: %w", err)
			}

			if cfg.ServeAddr != "" {
				return srv.ListenAndServe(ctx, cfg.ServeAddr)
			}
			return srv.Run(ctx)
		},
	}
}
