// Package cmd holds the subcommands of mail-to-expense.
package cmd

import (
	"github.com/spf13/cobra"
)

// Register adds every subcommand to root. The shared flags are registered
// on root by config.RegisterFlags.
func Register(root *cobra.Command) {
	root.AddCommand(newSummaryCmd(), newServeCmd(), newAuthCmd())
}
