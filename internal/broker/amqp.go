package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialTimeout = 10 * time.Second
	amqpHeartbeat   = 10 * time.Second
)

type amqpDialer struct {
	url      string
	prefetch int
}

func newAMQPDialer(rawURL string, opts Options) (*amqpDialer, error) {
	if _, err := amqp.ParseURI(rawURL); err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	return &amqpDialer{url: rawURL, prefetch: opts.Prefetch}, nil
}

func (d *amqpDialer) Dial(ctx context.Context) (Connection, error) {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(d.url, amqp.Config{
			Heartbeat: amqpHeartbeat,
			Dial:      amqp.DefaultDial(amqpDialTimeout),
			Properties: amqp.Table{
				"connection_name": "notifyrelay",
			},
		})
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRefused, r.err)
		}
		return newAMQPConnection(r.conn, d.prefetch), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	conn     *amqp.Connection
	prefetch int
	closed   chan error

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

func newAMQPConnection(conn *amqp.Connection, prefetch int) *amqpConnection {
	c := &amqpConnection{
		conn:     conn,
		prefetch: prefetch,
		closed:   make(chan error, 1),
	}
	lost := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-lost; ok && err != nil {
			c.closed <- err
		}
		close(c.closed)
	}()
	return c
}

func (c *amqpConnection) Consume(queue string) (Consumer, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	raw, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery)
	consumer := &amqpConsumer{ch: ch, out: out, done: make(chan struct{})}
	go consumer.pump(raw)
	return consumer, nil
}

func (c *amqpConnection) Publish(ctx context.Context, queue string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		c.pubCh = ch
	}
	if _, err := c.pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return c.pubCh.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (c *amqpConnection) NotifyClose() <-chan error {
	return c.closed
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpConsumer struct {
	ch   *amqp.Channel
	out  chan Delivery
	done chan struct{}
	once sync.Once
}

func (c *amqpConsumer) pump(raw <-chan amqp.Delivery) {
	defer close(c.out)
	for d := range raw {
		d := d
		select {
		case c.out <- Delivery{Body: d.Body, Ack: func() error { return d.Ack(false) }}:
		case <-c.done:
			return
		}
	}
}

func (c *amqpConsumer) Deliveries() <-chan Delivery {
	return c.out
}

// Close closes the channel, which returns every unacknowledged delivery to
// the queue.
func (c *amqpConsumer) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ch.Close()
	})
	return err
}
