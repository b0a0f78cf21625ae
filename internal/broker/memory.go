package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errUnknownDelivery = errors.New("broker: unknown delivery")

// Memory is an in-process broker with durable queue semantics: messages
// outlive connections, and deliveries left unacknowledged when a consumer
// closes go back to the head of their queue in their original order.
//
// Besides serving development setups it lets tests refuse dials and sever
// live connections to exercise reconnect paths.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	conns  map[*memConnection]struct{}
	refuse bool
	dials  int
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		conns:  make(map[*memConnection]struct{}),
	}
}

// Dial opens a connection unless the broker is refusing them.
func (b *Memory) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.refuse {
		return nil, ErrRefused
	}
	conn := &memConnection{
		broker:    b,
		consumers: make(map[*memConsumer]struct{}),
		notify:    make(chan error, 1),
	}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// Refuse makes subsequent dials fail with ErrRefused until called with false.
func (b *Memory) Refuse(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

// Dials reports how many connection attempts were made.
func (b *Memory) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Sever drops every live connection abnormally with err.
func (b *Memory) Sever(err error) {
	b.mu.Lock()
	conns := make([]*memConnection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(err)
	}
}

// Put appends body to queue without going through a connection.
func (b *Memory) Put(queue string, body []byte) {
	b.queue(queue).push(body)
}

// Ready reports how many messages wait in queue for a consumer.
func (b *Memory) Ready(queue string) int {
	return b.queue(queue).depth()
}

func (b *Memory) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{wake: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *Memory) forget(c *memConnection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type memQueue struct {
	mu    sync.Mutex
	ready [][]byte
	wake  chan struct{}
}

func (q *memQueue) push(body []byte) {
	q.mu.Lock()
	q.ready = append(q.ready, body)
	q.signal()
	q.mu.Unlock()
}

func (q *memQueue) pushFront(bodies [][]byte) {
	if len(bodies) == 0 {
		return
	}
	q.mu.Lock()
	q.ready = append(append([][]byte{}, bodies...), q.ready...)
	q.signal()
	q.mu.Unlock()
}

// signal wakes every waiting pop. Callers hold q.mu.
func (q *memQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *memQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			body := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return body, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

type memConnection struct {
	broker *Memory

	mu        sync.Mutex
	consumers map[*memConsumer]struct{}
	closed    bool
	notify    chan error
}

func (c *memConnection) Consume(queue string) (Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	consumer := &memConsumer{
		conn:   c,
		queue:  c.broker.queue(queue),
		out:    make(chan Delivery),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.consumers[consumer] = struct{}{}
	go consumer.run(ctx)
	return consumer, nil
}

func (c *memConnection) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.broker.queue(queue).push(append([]byte(nil), body...))
	return nil
}

func (c *memConnection) NotifyClose() <-chan error {
	return c.notify
}

func (c *memConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *memConnection) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	consumers := make([]*memConsumer, 0, len(c.consumers))
	for consumer := range c.consumers {
		consumers = append(consumers, consumer)
	}
	c.consumers = nil
	c.mu.Unlock()

	for _, consumer := range consumers {
		consumer.stop()
	}
	c.broker.forget(c)

	if cause != nil {
		c.notify <- fmt.Errorf("broker: connection lost: %w", cause)
	}
	close(c.notify)
}

func (c *memConnection) release(consumer *memConsumer) {
	c.mu.Lock()
	if c.consumers != nil {
		delete(c.consumers, consumer)
	}
	c.mu.Unlock()
}

type memPending struct {
	tag  uint64
	body []byte
}

type memConsumer struct {
	conn   *memConnection
	queue  *memQueue
	out    chan Delivery
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	nextTag uint64
	unacked []memPending
	closed  bool
}

func (c *memConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)

	for {
		body, err := c.queue.pop(ctx)
		if err != nil {
			return
		}
		tag := c.track(body)
		select {
		case c.out <- Delivery{Body: body, Ack: func() error { return c.ack(tag) }}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *memConsumer) track(body []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	c.unacked = append(c.unacked, memPending{tag: c.nextTag, body: body})
	return c.nextTag
}

func (c *memConsumer) ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for i, p := range c.unacked {
		if p.tag == tag {
			c.unacked = append(c.unacked[:i], c.unacked[i+1:]...)
			return nil
		}
	}
	return errUnknownDelivery
}

func (c *memConsumer) Deliveries() <-chan Delivery {
	return c.out
}

func (c *memConsumer) Close() error {
	c.stop()
	c.conn.release(c)
	return nil
}

// stop ends delivery and requeues everything still unacknowledged.
func (c *memConsumer) stop() {
	c.once.Do(func() {
		c.cancel()
		<-c.done

		c.mu.Lock()
		c.closed = true
		bodies := make([][]byte, 0, len(c.unacked))
		for _, p := range c.unacked {
			bodies = append(bodies, p.body)
		}
		c.unacked = nil
		c.mu.Unlock()

		c.queue.pushFront(bodies)
	})
}
