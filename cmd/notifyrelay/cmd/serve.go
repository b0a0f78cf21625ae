package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/notifyrelay/internal/app"
	"github.com/nfrund/notifyrelay/internal/config"
	"github.com/nfrund/notifyrelay/internal/logging"
	"github.com/nfrund/notifyrelay/internal/server"
)

var serveOpts struct {
	addr      string
	brokerURL string
	authURL   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(func(c *config.Config) {
			flags := cmd.Flags()
			if flags.Changed("addr") {
				c.Addr = serveOpts.addr
			}
			if flags.Changed("broker-url") {
				c.BrokerURL = serveOpts.brokerURL
			}
			if flags.Changed("auth-url") {
				c.AuthURL = serveOpts.authURL
			}
		})
		if err != nil {
			return err
		}

		logger := logging.New(cfg.LogFormat, cfg.LogLevel)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return server.New(a).Start(ctx, cfg.Addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.addr, "addr", "", "listen address (RELAY_ADDR)")
	serveCmd.Flags().StringVar(&serveOpts.brokerURL, "broker-url", "", "broker URL, amqp:// or memory:// (RELAY_BROKER_URL)")
	serveCmd.Flags().StringVar(&serveOpts.authURL, "auth-url", "", "web application base URL (RELAY_AUTH_URL)")
	rootCmd.AddCommand(serveCmd)
}
