package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// WebSocketServer pushes every published oracle state to connected clients.
type WebSocketServer struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	// Client management
	mu      sync.RWMutex
	clients map[*WebSocketClient]bool
	latest  *scheduler.State

	updates chan scheduler.State
}

var _ scheduler.Publisher = (*WebSocketServer)(nil)

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn        *websocket.Conn
	send        chan []byte
	server      *WebSocketServer
	mu          sync.RWMutex
	instruments map[string]bool // empty means everything
}

// ClientMessage is a message sent by a client.
type ClientMessage struct {
	Type        string   `json:"type"` // "subscribe", "unsubscribe", "ping"
	Instruments []string `json:"instruments"`
}

// UpdateMessage is pushed to clients after every tick.
type UpdateMessage struct {
	Type string `json:"type"` // "oracle_update"
	scheduler.State
}

// NewWebSocketServer creates a new push server.
func NewWebSocketServer(logger *logging.Logger) *WebSocketServer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &WebSocketServer{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: make(map[*WebSocketClient]bool),
		updates: make(chan scheduler.State, 16),
	}
}

// Run broadcasts published states until ctx is done, then disconnects every client.
func (s *WebSocketServer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case state := <-s.updates:
			s.broadcast(state)
		}
	}
}

// Publish implements scheduler.Publisher. It never blocks the scheduler; when
// the queue is full the update is dropped.
func (s *WebSocketServer) Publish(state scheduler.State) {
	s.mu.Lock()
	s.latest = &state
	s.mu.Unlock()

	select {
	case s.updates <- state:
	default:
		s.logger.Warn("Update queue full, dropping oracle update")
	}
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades the request and serves the client.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		server:      s,
		instruments: make(map[string]bool),
	}

	latest := s.registerClient(client)
	if latest != nil {
		client.push(*latest)
	}

	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected", "remote", conn.RemoteAddr().String())
}

func (s *WebSocketServer) registerClient(client *WebSocketClient) *scheduler.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
	metrics.SetPushClients(len(s.clients))
	return s.latest
}

func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
		metrics.SetPushClients(len(s.clients))
	}
}

func (s *WebSocketServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
	metrics.SetPushClients(0)
}

// broadcast sends the state to every client, filtered by its subscription.
func (s *WebSocketServer) broadcast(state scheduler.State) {
	full, err := encodeUpdate(state)
	if err != nil {
		s.logger.Error("Failed to marshal oracle update", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		data := full
		if filter := client.subscription(); len(filter) > 0 {
			if data, err = encodeUpdate(state.Filter(filter)); err != nil {
				continue
			}
		}
		select {
		case client.send <- data:
		default:
			s.logger.Warn("Client send buffer full, skipping update")
		}
	}
}

func encodeUpdate(state scheduler.State) ([]byte, error) {
	return json.Marshal(UpdateMessage{Type: "oracle_update", State: state})
}

// push queues one state for this client only.
func (c *WebSocketClient) push(state scheduler.State) {
	if filter := c.subscription(); len(filter) > 0 {
		state = state.Filter(filter)
	}
	data, err := encodeUpdate(state)
	if err != nil {
		return
	}
	c.server.enqueue(c, data)
}

// enqueue sends data to a still registered client without blocking.
func (s *WebSocketServer) enqueue(c *WebSocketClient, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Debug("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket error", "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WebSocketClient) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Debug("Invalid client message", "error", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Instruments)
	case "unsubscribe":
		c.unsubscribe(msg.Instruments)
	case "ping":
		c.sendPong()
	default:
		c.server.logger.Debug("Unknown message type", "type", msg.Type)
	}
}

// subscribe narrows updates to the given instruments; "*" or none resets to all.
func (c *WebSocketClient) subscribe(instruments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(instruments) == 0 || (len(instruments) == 1 && instruments[0] == "*") {
		c.instruments = make(map[string]bool)
		return
	}
	for _, inst := range instruments {
		c.instruments[inst] = true
	}
}

func (c *WebSocketClient) unsubscribe(instruments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range instruments {
		delete(c.instruments, inst)
	}
}

func (c *WebSocketClient) subscription() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.instruments))
	for inst := range c.instruments {
		out = append(out, inst)
	}
	return out
}

func (c *WebSocketClient) sendPong() {
	data, _ := json.Marshal(map[string]string{"type": "pong"})
	c.server.enqueue(c, data)
}
