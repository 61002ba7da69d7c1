// Package ws carries lobby sessions over gorilla/websocket connections.
package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/lobby/internal/config"
)

// heartbeatAck is the liveness reply clients send to the server's probe. It is
// never rate limited.
const heartbeatAck = "heartbeat"

var (
	// ErrClosed is returned by Send once the connection is closing.
	ErrClosed = errors.New("connection closed")
	// ErrBufferFull is returned by Send when the client is not draining its frames.
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is one upgraded WebSocket connection. Outbound frames are queued and
// written by a dedicated goroutine; inbound frames are read by the caller.
type Conn struct {
	ws           *websocket.Conn
	addr         string
	writeTimeout time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	// done is closed when the writer has exited.
	done chan struct{}
}

// newConn wraps ws and starts its writer.
//
// Precondition: cfg must be validated.
func newConn(ws *websocket.Conn, addr string, cfg config.TransportConfig, logger *zap.Logger) *Conn {
	ws.SetReadLimit(cfg.MaxMessageSize)
	c := &Conn{
		ws:           ws,
		addr:         addr,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
	}
	if cfg.RateLimit.PerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst)
	}
	go c.writePump()
	return c
}

// Send queues data as one text frame without blocking.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting frames. Frames already queued are written before the
// close handshake.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// RemoteAddr returns the client IP without port.
func (c *Conn) RemoteAddr() string { return c.addr }

// ReadMessage returns the next inbound frame. When a rate limit is configured,
// frames over it are dropped, except heartbeat acks.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if c.limiter != nil && string(data) != heartbeatAck && !c.limiter.Allow() {
			c.logger.Debug("rate limit exceeded, dropping frame",
				zap.String("remote_addr", c.addr),
				zap.Int("bytes", len(data)),
			)
			continue
		}
		return data, nil
	}
}

func (c *Conn) writePump() {
	defer func() {
		close(c.done)
		c.ws.Close()
	}()

	for msg := range c.send {
		c.setWriteDeadline()
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Debug("writing frame", zap.String("remote_addr", c.addr), zap.Error(err))
			}
			return
		}
	}

	c.setWriteDeadline()
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("writing close frame", zap.String("remote_addr", c.addr), zap.Error(err))
	}
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// isExpectedCloseError reports errors that only mean the peer is already gone.
func isExpectedCloseError(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
		return false
	}
	return errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE)
}
