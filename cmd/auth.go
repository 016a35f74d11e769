package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-expense/app"
	"github.com/dhcgn/mail-to-expense/auth"
	"github.com/dhcgn/mail-to-expense/config"
)

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Gmail and Sheets access and store the OAuth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := app.NewLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			provider, err := auth.NewProvider(app.AuthOptions(cfg), logger)
			if err != nil {
				return err
			}
			tok, err := provider.Authorize(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Token stored in %s (expires %s)\n", cfg.TokenFile, tok.Expiry.Format("2006-01-02 15:04"))
			return nil
		},
	}
}
