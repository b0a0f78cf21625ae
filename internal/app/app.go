// Package app wires the relay's services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/notifyrelay/internal/auth"
	"github.com/nfrund/notifyrelay/internal/broker"
	"github.com/nfrund/notifyrelay/internal/config"
	"github.com/nfrund/notifyrelay/internal/metrics"
	"github.com/nfrund/notifyrelay/internal/pubsub"
	"github.com/nfrund/notifyrelay/internal/queue"
	"github.com/nfrund/notifyrelay/internal/relay"
)

// App holds the running services.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Bus      *pubsub.WatermillBridge
	Queue    *queue.Manager
	Relay    *relay.Server

	shutdownTracing func(context.Context) error
	runDone         chan error
}

type options struct {
	dialer broker.Dialer
}

// Option customizes New.
type Option func(*options)

// WithDialer replaces the dialer built from the broker URL.
func WithDialer(d broker.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// New builds every service from cfg. Nothing connects until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)

	do.Provide(i, func(do.Injector) (*prometheus.Registry, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return reg, nil
	})
	do.Provide(i, func(i do.Injector) (*metrics.Metrics, error) {
		return metrics.New(do.MustInvoke[*prometheus.Registry](i)), nil
	})
	do.Provide(i, func(do.Injector) (trace.Tracer, error) {
		tracer, shutdown, err := pubsub.SetupOTel(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		a.shutdownTracing = shutdown
		return tracer, nil
	})
	do.Provide(i, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		return pubsub.NewWatermillBridge(
			pubsub.WithTracer(do.MustInvoke[trace.Tracer](i)),
			pubsub.WithLogger(logger),
		), nil
	})
	do.Provide(i, func(do.Injector) (broker.Dialer, error) {
		if o.dialer != nil {
			return o.dialer, nil
		}
		return broker.New(cfg.BrokerURL, broker.Options{Prefetch: cfg.BrokerPrefetch})
	})
	do.Provide(i, func(i do.Injector) (*auth.Authenticator, error) {
		endpoint, err := cfg.AuthEndpoint()
		if err != nil {
			return nil, err
		}
		return auth.New(auth.Config{
			Endpoint:  endpoint,
			Timeout:   cfg.AuthTimeout,
			CacheTTL:  cfg.AuthCacheTTL,
			CacheSize: cfg.AuthCacheSize,
		}, do.MustInvoke[*metrics.Metrics](i), logger), nil
	})
	do.Provide(i, func(i do.Injector) (*queue.Manager, error) {
		dialer, err := do.Invoke[broker.Dialer](i)
		if err != nil {
			return nil, err
		}
		return queue.NewManager(
			dialer,
			do.MustInvoke[*pubsub.WatermillBridge](i),
			queue.Config{
				Prefix:         cfg.QueuePrefix,
				ReconnectDelay: cfg.ReconnectDelay,
				OutboxSize:     cfg.OutboxSize,
			},
			do.MustInvoke[*metrics.Metrics](i),
			logger,
		), nil
	})
	do.Provide(i, func(i do.Injector) (*relay.Server, error) {
		authn, err := do.Invoke[*auth.Authenticator](i)
		if err != nil {
			return nil, err
		}
		q, err := do.Invoke[*queue.Manager](i)
		if err != nil {
			return nil, err
		}
		return relay.NewServer(authn, q, relay.Config{
			SendBuffer:     cfg.SendBuffer,
			AllowedOrigins: cfg.AllowedOrigins,
		}, do.MustInvoke[*metrics.Metrics](i), logger), nil
	})

	var err error
	if a.Relay, err = do.Invoke[*relay.Server](i); err != nil {
		return nil, fmt.Errorf("build relay: %w", err)
	}
	a.Queue = do.MustInvoke[*queue.Manager](i)
	a.Bus = do.MustInvoke[*pubsub.WatermillBridge](i)
	a.Metrics = do.MustInvoke[*metrics.Metrics](i)
	a.Gatherer = do.MustInvoke[*prometheus.Registry](i)
	return a, nil
}

// Start subscribes the relay to message events and starts supervising the
// broker connection in the background.
func (a *App) Start(ctx context.Context) error {
	if err := a.Relay.Listen(ctx, a.Bus); err != nil {
		return fmt.Errorf("listen for message events: %w", err)
	}
	a.runDone = make(chan error, 1)
	go func() {
		a.runDone <- a.Queue.Run(ctx)
	}()
	return nil
}

// Close ends client connections, releases every queue subscription, closes
// the broker connection and flushes traces.
func (a *App) Close(ctx context.Context) error {
	a.Relay.Close()

	var errs []error
	if err := a.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue manager: %w", err))
	}
	if a.runDone != nil {
		select {
		case err := <-a.runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := a.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
