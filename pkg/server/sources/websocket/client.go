package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the connection state reported to the owner of a Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// Client is a streaming connection that redials with a fixed backoff until closed.
type Client struct {
	url              string
	conn             *websocket.Conn
	connMu           sync.Mutex
	reconnectWait    time.Duration
	maxRetries       int
	pingInterval     time.Duration
	pongWait         time.Duration
	writeWait        time.Duration
	handshakeTimeout time.Duration
	logger           zerolog.Logger
	headers          http.Header

	done chan struct{}

	onMessage     func([]byte)
	onOpen        func() error
	onStateChange func(State, error)

	connected bool
	stateMu   sync.RWMutex
	closed    bool
	closeMu   sync.Mutex
}

// Config holds WebSocket client configuration
type Config struct {
	URL              string
	ReconnectWait    time.Duration
	MaxRetries       int
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
	Headers          http.Header
}

// NewClient creates a new WebSocket client
func NewClient(cfg Config) *Client {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = -1 // Infinite retries
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Client{
		url:              cfg.URL,
		reconnectWait:    cfg.ReconnectWait,
		maxRetries:       cfg.MaxRetries,
		pingInterval:     cfg.PingInterval,
		pongWait:         cfg.PongWait,
		writeWait:        cfg.WriteWait,
		handshakeTimeout: cfg.HandshakeTimeout,
		logger:           cfg.Logger,
		headers:          cfg.Headers,
		done:             make(chan struct{}),
	}
}

// SetHandlers sets the event handlers. onOpen runs after every successful dial;
// an error from it drops the connection and schedules a reconnect.
func (c *Client) SetHandlers(onMessage func([]byte), onOpen func() error, onStateChange func(State, error)) {
	c.onMessage = onMessage
	c.onOpen = onOpen
	c.onStateChange = onStateChange
}

// Run dials and serves the connection, redialing after ReconnectWait on any failure.
// It returns nil once ctx is cancelled or Close is called.
func (c *Client) Run(ctx context.Context) error {
	defer c.notify(StateClosed, nil)

	failures := 0
	for {
		if c.stopping(ctx) {
			return nil
		}

		c.notify(StateConnecting, nil)
		opened, err := c.session(ctx)
		if c.stopping(ctx) {
			return nil
		}

		if opened {
			failures = 0
		}
		failures++
		if c.maxRetries > 0 && failures >= c.maxRetries {
			return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}

		c.notify(StateReconnecting, err)
		c.logger.Warn().
			Err(err).
			Str("url", c.url).
			Int("attempt", failures).
			Dur("wait", c.reconnectWait).
			Msg("WebSocket disconnected, reconnecting")

		timer := time.NewTimer(c.reconnectWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails. opened reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setConnected(true)

	sessionDone := make(chan struct{})
	defer func() {
		close(sessionDone)
		c.setConnected(false)
		c.connMu.Lock()
		_ = conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	// Unblock ReadMessage on shutdown.
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-sessionDone:
			return
		}
		_ = conn.Close()
	}()

	c.logger.Info().Str("url", c.url).Msg("WebSocket connected")
	c.notify(StateOpen, nil)

	if c.onOpen != nil {
		if err := c.onOpen(); err != nil {
			return true, fmt.Errorf("on open: %w", err)
		}
	}

	go c.pingLoop(conn, sessionDone)

	_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.dispatch(message)
	}
}

// dispatch hands a frame to the message handler, isolating it from handler panics.
func (c *Client) dispatch(message []byte) {
	if c.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("WebSocket message handler panicked")
		}
	}()
	c.onMessage(message)
}

// pingLoop sends periodic ping messages
func (c *Client) pingLoop(conn *websocket.Conn, sessionDone <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sessionDone:
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("WebSocket ping failed")
				return
			}
		}
	}
}

// SendJSON writes one JSON message on the current connection.
func (c *Client) SendJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(v)
}

// Close stops the client. A pending reconnect wait is abandoned immediately.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.done)

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeWait))
		_ = c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.connected = connected
}

func (c *Client) notify(s State, err error) {
	if c.onStateChange != nil {
		c.onStateChange(s, err)
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}
