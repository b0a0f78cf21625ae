// Package notification builds the notification messages the web
// application places on a user's queue.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultType is used when no notification type is given.
const DefaultType = "custom_notification"

// Notification is the payload delivered to clients. Message is shown after
// interpolating Arguments on the client side.
type Notification struct {
	ID        string         `json:"id"`
	Date      int64          `json:"date"`
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Details   string         `json:"details,omitempty"`
	Address   string         `json:"address,omitempty"`
	Popup     bool           `json:"popup,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

// Options are the optional parts of a notification.
type Options struct {
	// Details is a short description of the event.
	Details string
	// Address is an absolute link to a page about the event.
	Address string
	// Popup asks the client to open its notification dropdown.
	Popup bool
	// Arguments are interpolated into the message.
	Arguments map[string]string
}

// New creates a notification with a fresh id and the current time. The
// special options are also copied into Arguments, as clients expect.
func New(typ, message string, opts Options) Notification {
	if typ == "" {
		typ = DefaultType
	}
	args := make(map[string]any, len(opts.Arguments)+3)
	for k, v := range opts.Arguments {
		args[k] = v
	}
	if opts.Details != "" {
		args["details"] = opts.Details
	}
	if opts.Address != "" {
		args["address"] = opts.Address
	}
	if opts.Popup {
		args["popup"] = true
	}
	return Notification{
		ID:        uuid.NewString(),
		Date:      time.Now().UnixMilli(),
		Message:   message,
		Type:      typ,
		Details:   opts.Details,
		Address:   opts.Address,
		Popup:     opts.Popup,
		Arguments: args,
	}
}

// Publisher appends a payload to a user's queue.
type Publisher interface {
	Publish(ctx context.Context, user string, payload []byte) error
}

// Send encodes n and publishes it for user.
func Send(ctx context.Context, p Publisher, user string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.Publish(ctx, user, payload); err != nil {
		return fmt.Errorf("publish notification for %s: %w", user, err)
	}
	return nil
}
