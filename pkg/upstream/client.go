// Package upstream owns the WebSocket connection to the remote realtime
// speech API for one session: a single dial authenticated in the
// handshake, a session-initialization message, then a plain event stream.
// There is no retry; a failed or dropped connection is reported closed
// exactly once and the session's shutdown protocol takes over.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/protocol"
)

// Sentinel errors for the upstream package.
var (
	// ErrNotConnected indicates no active upstream connection.
	ErrNotConnected = errors.New("upstream: not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("upstream: already connected")
)

// Default timeouts for the upstream connection.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 2 * time.Minute
	DefaultWriteTimeout     = 10 * time.Second

	keepAliveInterval = 30 * time.Second
)

// Config configures the upstream client.
type Config struct {
	// URL is the realtime API WebSocket endpoint.
	URL string

	// APIKey is the service credential carried as a bearer token in the
	// connection handshake, never in the message body.
	APIKey string

	// Model is the realtime model requested in the dial query.
	Model string

	// Voice is the TTS voice configured in the session init message.
	Voice string

	// Instructions is the system instruction for the session.
	Instructions string

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// ReadTimeout is the per-message read deadline.
	ReadTimeout time.Duration

	// WriteTimeout is the per-message write deadline.
	WriteTimeout time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Client manages one WebSocket connection to the realtime API.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	onReady   func()
	onMessage func(messageType int, data []byte)
	onClosed  func(err error)

	closedOnce sync.Once
}

// New creates a new upstream client. Register callbacks before Connect.
func New(cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "upstream.client"),
	}
}

// OnReady sets the callback fired once the connection is open and the
// session init message has been sent.
func (c *Client) OnReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = fn
}

// OnMessage sets the callback for received messages.
func (c *Client) OnMessage(fn func(messageType int, data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnClosed sets the callback fired at most once when the connection ends.
func (c *Client) OnClosed(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// Connect dials the realtime endpoint, sends the session-initialization
// message, reports ready, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	c.logger.Info("connecting to realtime API", "model", c.cfg.Model)

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("upstream: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("upstream: dial failed: %w", err)
	}

	conn.SetPingHandler(func(appData string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	init, err := protocol.NewSessionUpdate(c.cfg.Instructions, c.cfg.Voice)
	if err != nil {
		conn.Close()
		return err
	}
	if err := c.Send(websocket.TextMessage, init); err != nil {
		conn.Close()
		return fmt.Errorf("upstream: session init failed: %w", err)
	}

	c.emitReady()
	c.logger.Info("connected to realtime API")

	go c.readLoop()
	go c.keepAlive()

	return nil
}

// Send writes a message to the upstream connection.
func (c *Client) Send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.closed {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Close gracefully closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		c.conn.Close()
	}
	c.logger.Info("disconnected from realtime API")
	return nil
}

// IsConnected returns true while the connection is usable.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()

		if conn == nil || closed {
			c.emitClosed(nil)
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitClosed(nil)
				return
			}
			c.logger.Warn("upstream read error", "error", err)
			c.emitClosed(err)
			return
		}

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(messageType, data)
		}
	}
}

// keepAlive sends periodic pings so idle sessions are not dropped.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.conn == nil || c.closed {
			c.mu.Unlock()
			return
		}
		err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.WriteTimeout))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) emitReady() {
	c.mu.Lock()
	fn := c.onReady
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// emitClosed reports the connection end at most once.
func (c *Client) emitClosed(err error) {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}
