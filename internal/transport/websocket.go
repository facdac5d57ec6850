// ABOUTME: WebSocket implementation of the conversation channel transport
// ABOUTME: Runs a read pump and a write pump per connection with ping keepalive

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Read and Write after the connection is closed.
var ErrClosed = errors.New("connection closed")

const (
	sendQueueSize = 64
	readQueueSize = 64
)

//go:generate go run go.uber.org/mock/mockgen -source=websocket.go -destination=../mocks/mock_transport.go -package=mocks

// Conn abstracts one bidirectional frame connection.
type Conn interface {
	// Read blocks until a frame arrives, the connection fails, or ctx ends.
	Read(ctx context.Context) ([]byte, error)
	// Write queues a frame for sending.
	Write(ctx context.Context, data []byte) error
	// Close closes the connection. Safe to call more than once.
	Close() error
}

// Dialer opens connections to a channel endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Options configures WebSocket connections.
type Options struct {
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	// Token, when set, is sent as a bearer Authorization header.
	Token string
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   65536,
	}
}

// WebSocketDialer dials WebSocket connections.
type WebSocketDialer struct {
	opts   Options
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer. Pass nil logger for default.
func NewWebSocketDialer(opts Options, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		opts:   opts,
		logger: logger.With("component", "transport"),
	}
}

// Dial connects to url and starts the connection pumps.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	header := http.Header{}
	if d.opts.Token != "" {
		header.Set("Authorization", "Bearer "+d.opts.Token)
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	d.logger.Debug("websocket connected", "url", url)
	return newWSConn(ws, d.opts, d.logger), nil
}

// wsConn is a WebSocket connection with dedicated reader and writer goroutines.
type wsConn struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger

	send     chan []byte
	incoming chan []byte
	done     chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newWSConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:       ws,
		opts:     opts,
		logger:   logger,
		send:     make(chan []byte, sendQueueSize),
		incoming: make(chan []byte, readQueueSize),
		done:     make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}

	go c.writePump()
	go c.readPump()
	return c
}

// Read returns the next inbound frame.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	default:
	}

	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		return nil, c.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write queues a frame for the write pump.
func (c *wsConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return c.failure()
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return c.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both pumps and closes the socket.
func (c *wsConn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		close(c.done)

		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

func (c *wsConn) failure() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

// readPump reads frames from the socket until it fails.
func (c *wsConn) readPump() {
	if c.opts.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			c.shutdown(fmt.Errorf("read: %w", err))
			return
		}

		if c.opts.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}

		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued frames and periodic pings.
func (c *wsConn) writePump() {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				c.shutdown(fmt.Errorf("write: %w", err))
				return
			}

		case <-tick:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *wsConn) setWriteDeadline() {
	if c.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
}
