package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "notifyrelay",
	Short: "Real-time notification relay",
	Long: `notifyrelay delivers per-user notifications from a message broker to
browser clients over WebSockets.

Configuration is read from the environment (and a .env file when present);
see "notifyrelay serve --help" for flag overrides.`,
	SilenceUsage: true,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
