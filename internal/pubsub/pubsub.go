// Package pubsub is the relay's in-process event bus. QueueManager raises
// message events on it and the relay consumes them.
package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the event kind (e.g., "relay.queue.message").
	Topic string
	// UserID is the user the event concerns.
	UserID string
	// Payload carries the raw event data.
	Payload []byte
	// Metadata holds auxiliary key-value pairs such as sequence numbers.
	Metadata map[string]string
}

// Handler processes one message. A returned error is logged and the message
// is not redelivered.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe registers handler for topic and returns once the
	// subscription is live. Messages are processed on a background goroutine
	// until ctx is canceled or the subscriber is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
