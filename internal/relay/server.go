// Package relay serves the notification WebSocket endpoint: it runs the
// per-connection handshake, answers acknowledgements, replays pending
// messages and fans broker messages out to every connection of a user.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/notifyrelay/internal/connections"
	"github.com/nfrund/notifyrelay/internal/metrics"
	"github.com/nfrund/notifyrelay/internal/protocol"
	"github.com/nfrund/notifyrelay/internal/pubsub"
	"github.com/nfrund/notifyrelay/internal/queue"
)

// Defaults for Config.
const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
)

// Authenticator resolves a session id to a user name.
type Authenticator interface {
	Resolve(ctx context.Context, sessionID string) (string, error)
}

// Queue is the part of the QueueManager the relay drives.
type Queue interface {
	connections.Subscriber
	Acknowledge(user, messageID string) bool
	Pending(user string) ([]queue.Message, uint64)
}

// Config tunes a Server. Zero values take the package defaults.
type Config struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	// AllowedOrigins are host patterns accepted in the Origin header. When
	// empty every origin is accepted.
	AllowedOrigins []string
}

// Server is the RelayServer.
type Server struct {
	auth     Authenticator
	queue    Queue
	registry *connections.Registry[*conn]
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config

	nextID atomic.Uint64
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server. The registry it owns subscribes and
// unsubscribes users on q as their connection counts change.
func NewServer(auth Authenticator, q Queue, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		auth:     auth,
		queue:    q,
		registry: connections.New[*conn](q, logger),
		validate: validator.New(),
		metrics:  m,
		logger:   logger.With("component", "relay"),
		cfg:      cfg,
		base:     base,
		cancel:   cancel,
	}
}

// Listen subscribes the fan-out to QueueManager message events on bus.
func (s *Server) Listen(ctx context.Context, bus pubsub.Subscriber) error {
	return bus.Subscribe(ctx, queue.TopicMessage, func(_ context.Context, msg pubsub.Message) error {
		seq, err := strconv.ParseUint(msg.Metadata[queue.MetaSequence], 10, 64)
		if err != nil {
			// Without a sequence number the event cannot be matched against
			// replays, so every connection gets it.
			seq = math.MaxUint64
		}
		s.Deliver(msg.UserID, seq, msg.Payload)
		return nil
	})
}

// Deliver pushes a message to every connection bound to user that has not
// already received it through a replay. Slow connections drop the frame
// instead of delaying the others.
func (s *Server) Deliver(user string, seq uint64, payload json.RawMessage) {
	frame := protocol.EncodeMessage(payload)
	s.registry.ForEach(user, func(c *conn) {
		if seq <= c.watermark {
			return
		}
		s.push(c, frame)
	})
}

func (s *Server) push(c *conn, frame []byte) {
	if c.enqueue(frame) {
		s.metrics.Delivered.Inc()
	} else {
		s.metrics.Dropped.Inc()
	}
}

// Handler upgrades the request to a WebSocket and serves it until either
// side closes.
func (s *Server) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: len(s.cfg.AllowedOrigins) == 0,
			OriginPatterns:     s.cfg.AllowedOrigins,
		})
		if err != nil {
			s.logger.Warn("Failed to upgrade connection to WebSocket", "error", err)
			return nil
		}
		s.Serve(ws)
		return nil
	}
}

// Serve runs the connection state machine on an accepted socket and returns
// when the connection ends.
func (s *Server) Serve(ws *websocket.Conn) {
	s.wg.Add(1)
	defer s.wg.Done()

	id := s.nextID.Add(1) - 1
	c := &conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, s.cfg.SendBuffer),
		logger: s.logger.With("conn_id", id),
	}
	ws.SetReadLimit(s.cfg.ReadLimit)
	s.metrics.Connections.Inc()
	c.logger.Debug("Client connected")

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(ctx, s.cfg.WriteTimeout)
	}()

	s.readPump(ctx, c)

	user, _ := s.registry.Unbind(c, c.close)
	s.metrics.Authenticated.Set(float64(s.registry.Len()))
	<-done
	ws.Close(websocket.StatusNormalClosure, "")
	s.metrics.Connections.Dec()
	c.logger.Debug("Client disconnected", "user", user)
}

func (s *Server) readPump(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.logger.Debug("WebSocket closed by client")
			case ctx.Err() != nil, errors.Is(err, io.EOF):
			default:
				c.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		s.dispatch(ctx, c, data)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		c.logger.Debug("Ignoring malformed frame", "error", err)
		return
	}
	switch env.Event {
	case protocol.EventAuthenticate:
		s.authenticate(ctx, c, env.Unwrap())
	case protocol.EventAckNots:
		s.acknowledge(c, env.Unwrap())
	default:
		c.logger.Debug("Ignoring unknown event", "event", env.Event)
	}
}

// authenticate resolves the session and binds the connection. The reply and
// the replay of pending messages are queued inside the bind so no live
// message can slip in ahead of them or be delivered twice.
func (s *Server) authenticate(ctx context.Context, c *conn, data json.RawMessage) {
	var req protocol.AuthenticateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(c, protocol.EventAuthenticate, protocol.StatusInvalidMessage)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.reply(c, protocol.EventAuthenticate, protocol.StatusInvalidMessage)
		return
	}

	user, err := s.auth.Resolve(ctx, req.SessionID)
	if err != nil {
		c.logger.Debug("Authentication failed", "error", err)
		s.reply(c, protocol.EventAuthenticate, protocol.StatusAuthFailed)
		return
	}

	s.registry.Bind(c, user, func() {
		msgs, watermark := s.queue.Pending(user)
		c.watermark = watermark
		s.reply(c, protocol.EventAuthenticate, protocol.StatusOK)
		for _, msg := range msgs {
			s.push(c, protocol.EncodeMessage(msg.Payload))
		}
	})
	s.metrics.Authenticated.Set(float64(s.registry.Len()))
	c.logger.Info("Client authenticated", "user", user)
}

func (s *Server) acknowledge(c *conn, data json.RawMessage) {
	user, ok := s.registry.Identity(c)
	if !ok {
		s.reply(c, protocol.EventAckNots, protocol.StatusUnauthorized)
		return
	}
	ids, err := protocol.DecodeAckIDs(data)
	if err != nil {
		s.reply(c, protocol.EventAckNots, protocol.StatusInvalidMessage)
		return
	}
	for _, id := range ids {
		s.queue.Acknowledge(user, id)
	}
	s.reply(c, protocol.EventAckNots, protocol.StatusOK)
}

func (s *Server) reply(c *conn, event string, status protocol.Status) {
	if !c.enqueue(protocol.EncodeReply(event, status)) {
		s.metrics.Dropped.Inc()
	}
}

// Users returns the users with at least one authenticated connection.
func (s *Server) Users() []string {
	return s.registry.Users()
}

// Close ends every connection and waits for their handlers to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
