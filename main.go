package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-expense/app"
	"github.com/dhcgn/mail-to-expense/cmd"
	"github.com/dhcgn/mail-to-expense/config"
	"github.com/dhcgn/mail-to-expense/progress"
	"github.com/dhcgn/mail-to-expense/runner"
	"github.com/dhcgn/mail-to-expense/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mail-to-expense",
		Short:         "Turn unread receipt emails into spreadsheet rows and Slack approval requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := app.NewLogger(cfg, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-to-expense", "source", cfg.Source, "worksheet", cfg.Worksheet, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run processes one batch. Item failures are logged and reported but do not
// fail the command; setup and fetch failures do.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("close components", "err", err)
		}
	}()

	r, err := runner.New(comps.RunnerOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	r.SubscribeStats("metrics", stats.NewMetrics().Subscriber)
	progress.NewProgressReporter(r, progress.New(cfg.LogLevel), logger)

	report, err := r.Run(ctx)
	if err != nil {
		return err
	}

	for _, f := range report.Failures {
		logger.Warn("expense not processed", "itemID", f.ItemID, "stage", f.Stage, "reached", f.Reached, "err", f.Err)
	}
	return nil
}
