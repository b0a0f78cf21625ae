package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// Metadata keys used to transfer Message fields through watermill's message.
	metaKeyUserID = "user_id"
	metaKeyTopic  = "topic"
)

// WatermillBridge implements Publisher and Subscriber on a watermill
// GoChannel. Publish blocks until every subscriber has handled the message,
// so a single publisher observes its events handled in publish order.
type WatermillBridge struct {
	channel *gochannel.GoChannel
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a WatermillBridge.
type Option func(*WatermillBridge)

// WithTracer records publish and process spans with tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(wb *WatermillBridge) {
		if tracer != nil {
			wb.tracer = tracer
		}
	}
}

// WithLogger routes the bridge's and watermill's logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(wb *WatermillBridge) {
		if logger != nil {
			wb.logger = logger
		}
	}
}

// NewWatermillBridge creates an in-memory bus.
func NewWatermillBridge(opts ...Option) *WatermillBridge {
	wb := &WatermillBridge{
		tracer: noop.NewTracerProvider().Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(wb)
	}
	wb.logger = wb.logger.With("component", "pubsub")

	wb.channel = gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		NewSlogAdapter(wb.logger),
	)
	return wb
}

func mapToWatermillMessage(msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeyUserID, msg.UserID)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string, len(wmMsg.Metadata))
	for k, v := range wmMsg.Metadata {
		if k != metaKeyUserID && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		UserID:   wmMsg.Metadata.Get(metaKeyUserID),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements Publisher. It returns after all current subscribers
// have handled msg.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	ctx, span := wb.tracer.Start(ctx, "pubsub.publish."+msg.Topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.operation", "publish"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("user.id", msg.UserID),
			attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		),
	)
	defer span.End()

	wmMsg := mapToWatermillMessage(msg)
	wmMsg.SetContext(ctx)
	if err := wb.channel.Publish(msg.Topic, wmMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe implements Subscriber.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.channel.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for wmMsg := range messages {
			wb.process(ctx, topic, wmMsg, handler)
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()
	return nil
}

func (wb *WatermillBridge) process(ctx context.Context, topic string, wmMsg *message.Message, handler Handler) {
	parent := trace.SpanContextFromContext(wmMsg.Context())
	spanCtx, span := wb.tracer.Start(trace.ContextWithRemoteSpanContext(ctx, parent), "pubsub.process."+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", wmMsg.UUID),
		),
	)
	defer span.End()

	msg := mapToPubSubMessage(wmMsg)
	if err := handler(spanCtx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
	}
	// Always acked: a nack would make GoChannel redeliver in a tight loop.
	wmMsg.Ack()
}

// Close shuts the bus down. Pending publishes return and subscription loops end.
func (wb *WatermillBridge) Close() error {
	return wb.channel.Close()
}
