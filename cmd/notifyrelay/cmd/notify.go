package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nfrund/notifyrelay/internal/broker"
	"github.com/nfrund/notifyrelay/internal/config"
	"github.com/nfrund/notifyrelay/internal/logging"
	"github.com/nfrund/notifyrelay/internal/metrics"
	"github.com/nfrund/notifyrelay/internal/notification"
	"github.com/nfrund/notifyrelay/internal/pubsub"
	"github.com/nfrund/notifyrelay/internal/queue"
)

var errBrokerUnavailable = errors.New("broker unavailable")

// newDialer builds the broker dialer for notify; tests replace it.
var newDialer = func(rawURL string) (broker.Dialer, error) {
	return broker.New(rawURL, broker.Options{})
}

var notifyOpts struct {
	user    string
	typ     string
	details string
	address string
	popup   bool
	args    map[string]string
	timeout time.Duration
}

var notifyCmd = &cobra.Command{
	Use:   "notify [flags] MESSAGE...",
	Short: "Send a notification to a user",
	Long: `Publishes one notification on the user's queue. The words of MESSAGE are
joined with spaces; --arg values are interpolated into it by the client.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)

		dialer, err := newDialer(cfg.BrokerURL)
		if err != nil {
			return err
		}
		bus := pubsub.NewWatermillBridge(pubsub.WithLogger(logger))
		defer bus.Close()

		mgr := queue.NewManager(dialer, bus, queue.Config{
			Prefix:         cfg.QueuePrefix,
			ReconnectDelay: cfg.ReconnectDelay,
		}, metrics.NewUnregistered(), logger)
		defer mgr.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), notifyOpts.timeout)
		defer cancel()
		go func() { _ = mgr.Run(ctx) }()

		select {
		case <-mgr.Ready():
		case <-ctx.Done():
			return fmt.Errorf("%w after %s", errBrokerUnavailable, notifyOpts.timeout)
		}

		n := notification.New(notifyOpts.typ, strings.Join(args, " "), notification.Options{
			Details:   notifyOpts.details,
			Address:   notifyOpts.address,
			Popup:     notifyOpts.popup,
			Arguments: notifyOpts.args,
		})
		sendErr := notification.Send(ctx, mgr, notifyOpts.user, n)
		// A payload left in the outbox at Close never reached the broker.
		if err := errors.Join(sendErr, mgr.Close()); err != nil {
			return err
		}

		color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Sent notification %s to %s (%s)\n",
			n.ID, notifyOpts.user, mgr.QueueName(notifyOpts.user))
		return nil
	},
}

func init() {
	f := notifyCmd.Flags()
	f.StringVarP(&notifyOpts.user, "user", "u", "", "user to notify")
	f.StringVarP(&notifyOpts.typ, "type", "t", notification.DefaultType, "notification type")
	f.StringVar(&notifyOpts.details, "details", "", "short description of the event")
	f.StringVar(&notifyOpts.address, "address", "", "absolute link with more information")
	f.BoolVar(&notifyOpts.popup, "popup", false, "open the notification dropdown on arrival")
	f.StringToStringVar(&notifyOpts.args, "arg", nil, "message argument as key=value (repeatable)")
	f.DurationVar(&notifyOpts.timeout, "timeout", 10*time.Second, "how long to wait for the broker")
	_ = notifyCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(notifyCmd)
}
