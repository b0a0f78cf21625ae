// Package queue implements the QueueManager: it supervises the broker
// connection, keeps one worker consumer per subscribed user, tracks each
// user's unacknowledged messages and raises message events on the bus.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/nfrund/notifyrelay/internal/broker"
	"github.com/nfrund/notifyrelay/internal/metrics"
	"github.com/nfrund/notifyrelay/internal/protocol"
	"github.com/nfrund/notifyrelay/internal/pubsub"
)

const (
	// DefaultPrefix is prepended to a user name to form its queue name.
	DefaultPrefix = "_notifs_"
	// DefaultReconnectDelay is the fixed wait between connection attempts.
	DefaultReconnectDelay = 30 * time.Second
	// DefaultOutboxSize bounds payloads held while the broker is unreachable.
	DefaultOutboxSize = 1000

	// TopicMessage is the bus topic of message events.
	TopicMessage = "relay.queue.message"
	// MetaSequence carries the message sequence number in event metadata.
	MetaSequence = "seq"
	// MetaMessageID carries the normalized message id in event metadata.
	MetaMessageID = "message_id"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("queue manager closed")
	// ErrUndelivered is returned by Close when the outbox still holds
	// payloads that never reached the broker.
	ErrUndelivered = errors.New("queue manager: undelivered payloads")
)

// Message is a broker message waiting for acknowledgement.
type Message struct {
	ID string
	// Seq orders every recorded message process-wide.
	Seq     uint64
	Payload json.RawMessage
}

// Config configures a Manager. Zero values take the package defaults.
type Config struct {
	Prefix         string
	ReconnectDelay time.Duration
	OutboxSize     int
}

type subscription struct {
	user  string
	queue string
	table *pendingTable

	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

type outboxEntry struct {
	queue string
	body  []byte
}

// Manager is the QueueManager. All methods are safe for concurrent use and
// none of them blocks on the broker: while it is unreachable subscriptions
// are remembered and publishes are held in a local outbox.
type Manager struct {
	dialer     broker.Dialer
	bus        pubsub.Publisher
	prefix     string
	delay      time.Duration
	outboxSize int
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	conn     broker.Connection
	subs     map[string]*subscription
	retiring map[string]chan struct{}
	seq      uint64
	outbox   []outboxEntry
	closed   bool

	// pubMu keeps publishes ordered behind an outbox flush.
	pubMu sync.Mutex

	wg        sync.WaitGroup
	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
}

// NewManager creates a Manager. It does not connect until Run is called.
func NewManager(dialer broker.Dialer, bus pubsub.Publisher, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:     dialer,
		bus:        bus,
		prefix:     cfg.Prefix,
		delay:      cfg.ReconnectDelay,
		outboxSize: cfg.OutboxSize,
		metrics:    m,
		logger:     logger.With("component", "queue"),
		subs:       make(map[string]*subscription),
		retiring:   make(map[string]chan struct{}),
		ready:      make(chan struct{}),
		stop:       make(chan struct{}),
	}
}

// QueueName returns the broker queue holding user's notifications.
func (m *Manager) QueueName(user string) string {
	return m.prefix + user
}

// Ready is closed once the first broker connection is established.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Connected reports whether a broker connection is currently live.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Run connects to the broker and keeps reconnecting after abnormal
// connection loss, waiting the configured delay before every new attempt.
// It returns when ctx is canceled or the Manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := m.dial(ctx)
		if err != nil {
			return m.stopped(ctx)
		}
		if !m.attach(conn) {
			_ = conn.Close()
			return nil
		}
		m.logger.Info("Connected to broker")

		select {
		case err, ok := <-conn.NotifyClose():
			m.detach(conn)
			if !ok || err == nil {
				m.logger.Info("Broker connection closed")
				return nil
			}
			m.metrics.BrokerReconnects.Inc()
			m.logger.Warn("Broker connection lost, reconnecting", "error", err, "retry_in", m.delay)
		case <-ctx.Done():
			m.detach(conn)
			_ = conn.Close()
			return m.stopped(ctx)
		}

		timer := time.NewTimer(m.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return m.stopped(ctx)
		}
	}
}

// stopped maps the end of Run to its result: a Close is a clean stop, a
// canceled parent context is reported.
func (m *Manager) stopped(ctx context.Context) error {
	select {
	case <-m.stop:
		return nil
	default:
		return ctx.Err()
	}
}

func (m *Manager) dial(ctx context.Context) (broker.Connection, error) {
	b := backoff.WithContext(backoff.NewConstantBackOff(m.delay), ctx)
	return backoff.RetryNotifyWithData(func() (broker.Connection, error) {
		return m.dialer.Dial(ctx)
	}, b, func(err error, next time.Duration) {
		m.logger.Warn("Unable to connect to broker, retrying", "error", err, "retry_in", next)
	})
}

// attach makes conn current, restarts a consumer for every remembered
// subscription and flushes the outbox.
func (m *Manager) attach(conn broker.Connection) bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	for _, sub := range m.subs {
		m.startConsumer(sub, conn)
	}
	outbox := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	m.connected.Store(true)
	m.readyOnce.Do(func() { close(m.ready) })

	for i, e := range outbox {
		if err := conn.Publish(context.Background(), e.queue, e.body); err != nil {
			m.logger.Warn("Unable to flush outbox", "error", err, "remaining", len(outbox)-i)
			m.mu.Lock()
			m.outbox = append(outbox[i:], m.outbox...)
			m.mu.Unlock()
			break
		}
	}
	if len(outbox) > 0 {
		m.logger.Debug("Flushed outbox", "count", len(outbox))
	}
	return true
}

func (m *Manager) detach(conn broker.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn = nil
	m.connected.Store(false)
	for _, sub := range m.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
}

// Subscribe starts consuming user's queue. Subscribing an already
// subscribed user does nothing. Without a broker connection the
// subscription is remembered and started on the next connection.
func (m *Manager) Subscribe(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.subs[user]; ok {
		return
	}

	sub := &subscription{
		user:  user,
		queue: m.QueueName(user),
		table: newPendingTable(),
	}
	m.subs[user] = sub
	m.metrics.Subscriptions.Inc()
	m.logger.Debug("Subscribed", "user", user, "queue", sub.queue)

	if m.conn != nil {
		m.startConsumer(sub, m.conn)
	}
}

// Unsubscribe stops consuming user's queue and forgets its pending
// messages, which the broker redelivers to the next consumer.
func (m *Manager) Unsubscribe(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(user)
}

func (m *Manager) unsubscribeLocked(user string) {
	sub, ok := m.subs[user]
	if !ok {
		return
	}
	delete(m.subs, user)
	m.metrics.Subscriptions.Dec()
	m.metrics.PendingMessages.Sub(float64(sub.table.len()))
	sub.table.reset()

	if sub.cancel != nil {
		sub.cancel()
		done := sub.done
		m.retiring[user] = done
		go func() {
			<-done
			m.mu.Lock()
			if m.retiring[user] == done {
				delete(m.retiring, user)
			}
			m.mu.Unlock()
		}()
	}
	m.logger.Debug("Unsubscribed", "user", user)
}

// startConsumer replaces sub's consumer with a fresh one on conn and resets
// the pending table. The new consumer waits for its predecessor to release
// the queue first, so redelivered messages keep their order. Callers hold m.mu.
func (m *Manager) startConsumer(sub *subscription, conn broker.Connection) {
	prev := sub.done
	if prev == nil {
		prev = m.retiring[sub.user]
	}
	if sub.cancel != nil {
		sub.cancel()
	}

	m.metrics.PendingMessages.Sub(float64(sub.table.len()))
	sub.table.reset()

	ctx, cancel := context.WithCancel(context.Background())
	sub.gen++
	sub.cancel = cancel
	sub.done = make(chan struct{})

	m.wg.Add(1)
	go m.consume(ctx, sub, sub.gen, conn, prev, sub.done)
}

func (m *Manager) consume(ctx context.Context, sub *subscription, gen uint64, conn broker.Connection, prev <-chan struct{}, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	consumer, err := conn.Consume(sub.queue)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Unable to consume queue", "user", sub.user, "queue", sub.queue, "error", err)
		}
		return
	}
	defer consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-consumer.Deliveries():
			if !ok {
				return
			}
			m.handle(ctx, sub, gen, d)
		}
	}
}

// handle records one delivery and raises its message event.
func (m *Manager) handle(ctx context.Context, sub *subscription, gen uint64, d broker.Delivery) {
	logger := m.logger.With("user", sub.user)

	id, err := protocol.MessageID(d.Body)
	if err != nil {
		m.metrics.Malformed.Inc()
		logger.Warn("Dropping malformed broker payload", "error", err)
		if err := d.Ack(); err != nil {
			logger.Warn("Unable to acknowledge malformed payload", "error", err)
		}
		return
	}

	m.mu.Lock()
	if m.subs[sub.user] != sub || sub.gen != gen || ctx.Err() != nil {
		// Superseded; the delivery returns to the queue when the consumer closes.
		m.mu.Unlock()
		return
	}
	if sub.table.has(id) {
		m.mu.Unlock()
		logger.Debug("Dropping duplicate delivery", "message_id", id)
		if err := d.Ack(); err != nil {
			logger.Warn("Unable to acknowledge duplicate delivery", "error", err)
		}
		return
	}
	m.seq++
	msg := Message{ID: id, Seq: m.seq, Payload: json.RawMessage(d.Body)}
	sub.table.push(pendingEntry{msg: msg, ack: d.Ack})
	m.metrics.PendingMessages.Inc()
	m.mu.Unlock()

	err = m.bus.Publish(ctx, pubsub.Message{
		Topic:   TopicMessage,
		UserID:  sub.user,
		Payload: msg.Payload,
		Metadata: map[string]string{
			MetaSequence:  strconv.FormatUint(msg.Seq, 10),
			MetaMessageID: msg.ID,
		},
	})
	if err != nil {
		// Still pending, so it is replayed on the user's next handshake.
		logger.Warn("Unable to raise message event", "message_id", id, "error", err)
	}
}

// Acknowledge removes messageID from user's pending messages and from the
// broker queue. It succeeds only when messageID is the oldest pending
// message; unknown ids, out-of-order ids and unknown users return false.
func (m *Manager) Acknowledge(user, messageID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[user]
	if !ok {
		m.mu.Unlock()
		m.metrics.Acknowledgements.WithLabelValues(metrics.ResultRejected).Inc()
		return false
	}
	entry, ok := sub.table.popHead(messageID)
	if !ok {
		m.mu.Unlock()
		m.metrics.Acknowledgements.WithLabelValues(metrics.ResultRejected).Inc()
		m.logger.Debug("Ignoring acknowledgement", "user", user, "message_id", messageID)
		return false
	}
	m.metrics.PendingMessages.Dec()
	m.mu.Unlock()

	if err := entry.ack(); err != nil {
		// The broker redelivers it after reconnecting.
		m.logger.Warn("Unable to acknowledge at broker", "user", user, "message_id", messageID, "error", err)
	}
	m.metrics.Acknowledgements.WithLabelValues(metrics.ResultAccepted).Inc()
	return true
}

// Pending returns user's unacknowledged messages, oldest first, and the
// sequence watermark of the snapshot: every message event with a sequence
// number up to the watermark is already reflected in it.
func (m *Manager) Pending(user string) ([]Message, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[user]
	if !ok {
		return nil, m.seq
	}
	return sub.table.snapshot(), m.seq
}

// Publish appends payload to user's queue. While the broker is unreachable
// the payload is held in the outbox, dropping the oldest entry when full.
func (m *Manager) Publish(ctx context.Context, user string, payload []byte) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conn
	queue := m.QueueName(user)
	if conn == nil {
		m.enqueueLocked(queue, payload)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := conn.Publish(ctx, queue, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.logger.Warn("Publish failed, holding payload in outbox", "queue", queue, "error", err)
		m.mu.Lock()
		m.enqueueLocked(queue, payload)
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) enqueueLocked(queue string, payload []byte) {
	if len(m.outbox) >= m.outboxSize {
		m.logger.Warn("Outbox full, dropping oldest payload", "queue", m.outbox[0].queue)
		m.outbox = m.outbox[1:]
	}
	m.outbox = append(m.outbox, outboxEntry{queue: queue, body: append([]byte(nil), payload...)})
}

// Outboxed reports how many published payloads wait for the broker.
func (m *Manager) Outboxed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

// Close unsubscribes every user, closes the broker connection and waits for
// all consumers to stop. Run returns afterwards. Payloads still in the
// outbox are discarded and reported as ErrUndelivered.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var undelivered error
	if n := len(m.outbox); n > 0 {
		undelivered = fmt.Errorf("%w: %d discarded", ErrUndelivered, n)
		m.outbox = nil
	}
	for _, user := range lo.Keys(m.subs) {
		m.unsubscribeLocked(user)
	}
	conn := m.conn
	m.conn = nil
	m.connected.Store(false)
	m.mu.Unlock()

	close(m.stop)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return errors.Join(err, undelivered)
}
