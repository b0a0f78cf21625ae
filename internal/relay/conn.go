package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// conn is one client connection. Outbound frames go through a buffered
// channel drained by writePump; enqueue never blocks.
type conn struct {
	id     uint64
	ws     *websocket.Conn
	logger *slog.Logger

	mu   sync.RWMutex
	send chan []byte

	// watermark is the sequence number covered by the last replay. It is
	// guarded by the registry lock: written in bind hooks, read in ForEach.
	watermark uint64
}

func (c *conn) ID() uint64 {
	return c.id
}

// enqueue queues frame for writing. It reports false when the connection is
// closed or its buffer is full.
func (c *conn) enqueue(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.send == nil {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("Client send channel full, dropping frame")
		return false
	}
}

// close stops writePump once the buffered frames are written.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

func (c *conn) outbound() <-chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.send
}

// writePump writes queued frames until the channel is closed. A failed
// write closes the socket, which ends the read loop as well.
func (c *conn) writePump(ctx context.Context, timeout time.Duration) {
	send := c.outbound()
	for {
		select {
		case frame, ok := <-send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("WebSocket write error", "error", err)
				}
				c.ws.CloseNow()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
