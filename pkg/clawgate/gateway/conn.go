package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// conn is one client connection. Frames are queued and written by a single
// writer goroutine, so producers never block on a slow socket.
type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
}

func newConn(parent context.Context, ws *websocket.Conn, queueSize int, logger *slog.Logger) *conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &conn{
		id:     id,
		ws:     ws,
		out:    make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("conn", id[:8]),
	}
}

// enqueue queues frame without blocking. It reports false when the
// connection is closing or its queue is full.
func (c *conn) enqueue(frame []byte) bool {
	if c.closing.Load() {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// close starts the close handshake once. It returns immediately; the
// connection context is cancelled when the handshake ends.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		go func() {
			if c.ws != nil {
				_ = c.ws.Close(code, reason)
			}
			c.cancel()
		}()
	})
}
