// Package broker is the minimal message broker abstraction the relay
// consumes: durable named queues, manual acknowledgement, and a signal for
// connection loss. Queue semantics belong to the broker, not to this package.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrClosed is returned by operations on a closed connection or consumer.
	ErrClosed = errors.New("broker: closed")
	// ErrRefused is returned when the broker does not accept a connection.
	ErrRefused = errors.New("broker: connection refused")
	// ErrUnsupportedScheme is returned by New for unknown URL schemes.
	ErrUnsupportedScheme = errors.New("broker: unsupported url scheme")
)

// Delivery is one message handed to a consumer. Ack removes it from the
// queue; a delivery that is never acknowledged returns to the queue when its
// consumer closes.
type Delivery struct {
	Body []byte
	Ack  func() error
}

// Consumer streams deliveries from one queue.
type Consumer interface {
	// Deliveries is closed when the consumer or its connection closes.
	Deliveries() <-chan Delivery
	Close() error
}

// Connection is a live session with the broker.
type Connection interface {
	// Consume declares queue as durable and starts a manual-ack consumer.
	Consume(queue string) (Consumer, error)
	// Publish declares queue as durable and appends a persistent message.
	Publish(ctx context.Context, queue string, body []byte) error
	// NotifyClose yields an error when the connection is lost abnormally and
	// is closed without a value after a clean Close.
	NotifyClose() <-chan error
	Close() error
}

// Dialer opens connections to one broker.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Options tunes dialers created by New.
type Options struct {
	// Prefetch caps unacknowledged deliveries per consumer. Zero means no limit.
	Prefetch int
}

// New returns a Dialer for rawURL. Supported schemes are amqp, amqps and
// memory. The URL is validated here so Dial failures are always transient.
func New(rawURL string, opts Options) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "amqp", "amqps":
		return newAMQPDialer(rawURL, opts)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
