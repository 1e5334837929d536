package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/process-runner/internal/infrastructure/config"
	"github.com/nerrad567/process-runner/internal/infrastructure/logging"
	"github.com/nerrad567/process-runner/internal/process"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeSend        = "send"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	defaultSendBuffer   = 256
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// WSMessage is one frame in either direction. Events carry the runner id
// in Channel and a process.Event as Payload.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is an incoming frame with its payload left undecoded until
// the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSSubscribePayload lists runner ids to subscribe to or drop.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// WSSendPayload is one line for a runner's input. Runner may be omitted
// when the client follows exactly one runner.
type WSSendPayload struct {
	Runner string `json:"runner"`
	Text   string `json:"text"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub tracks connected clients and which runners each one follows.
type Hub struct {
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*WSClient]struct{}
	byRunner map[string]map[*WSClient]struct{}

	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:   logger,
		clients:  make(map[*WSClient]struct{}),
		byRunner: make(map[string]map[*WSClient]struct{}),
	}
}

// Register adds c, following the runners it was created with.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	for runner := range c.runners {
		h.followLocked(c, runner)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes c and stops its writer. Safe to call more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	for runner := range c.runners {
		h.unfollowLocked(c, runner)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.stop()
	if known {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

func (h *Hub) follow(c *WSClient, runner string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.followLocked(c, runner)
	}
	c.runners[runner] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unfollow(c *WSClient, runner string) {
	h.mu.Lock()
	h.unfollowLocked(c, runner)
	delete(c.runners, runner)
	h.mu.Unlock()
}

func (h *Hub) followLocked(c *WSClient, runner string) {
	set := h.byRunner[runner]
	if set == nil {
		set = make(map[*WSClient]struct{})
		h.byRunner[runner] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unfollowLocked(c *WSClient, runner string) {
	set := h.byRunner[runner]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byRunner, runner)
	}
}

// Broadcast delivers ev to every client following runner. A client whose
// buffer is full misses the event.
func (h *Hub) Broadcast(runner string, ev process.Event) {
	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.byRunner[runner]))
	for c := range h.byRunner[runner] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		Channel:   runner,
		EventType: string(ev.Type),
		Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
		Payload:   ev,
	})
	if err != nil {
		h.logger.Error("failed to encode websocket event", "runner", runner, "error", err)
		return
	}
	for _, c := range targets {
		if !c.offer(data) {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were not delivered to slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*WSClient]struct{})
	h.byRunner = make(map[string]map[*WSClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

// WSClient is one WebSocket connection.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	registry *process.Registry

	// runners is guarded by hub.mu.
	runners map[string]struct{}

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

// offer queues data without blocking. It reports false when the client is
// gone or too slow.
func (c *WSClient) offer(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSClient) following() []string {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	out := make([]string, 0, len(c.runners))
	for r := range c.runners {
		out = append(out, r)
	}
	return out
}

// handleWebSocket upgrades to a WebSocket that follows no runner yet.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.serveWebSocket(w, r, "")
}

// handleRunnerWebSocket upgrades to a WebSocket already following {id}.
func (s *Server) handleRunnerWebSocket(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	s.serveWebSocket(w, r, id)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, runner string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	buffer := s.wsCfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		registry: s.registry,
		runners:  make(map[string]struct{}),
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
	if runner != "" {
		c.runners[runner] = struct{}{}
	}
	s.hub.Register(c)

	ping, pong := keepalive(s.wsCfg)
	go c.writePump(ping, pong)
	go c.readPump(s.wsCfg.MaxMessageSize, ping+pong)
}

// keepalive returns the ping interval and pong wait, defaulting zero values.
func keepalive(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong = time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, pong
}

// readPump handles incoming frames until the connection fails or idles
// past deadline.
func (c *WSClient) readPump(maxSize int, deadline time.Duration) {
	defer c.hub.Unregister(c)

	if maxSize > 0 {
		c.conn.SetReadLimit(int64(maxSize))
	}
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }
	_ = extend() //nolint:errcheck // Read fails later if the conn is broken
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = extend() //nolint:errcheck // As above
		c.handle(data)
	}
}

// writePump is the only writer on the connection.
func (c *WSClient) writePump(ping, pong time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	defer c.stop()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // Write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			_ = write(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscribe(req)
	case WSTypeSend:
		c.handleSend(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.replyError(req.ID, "unknown message type: "+req.Type)
	}
}

func (c *WSClient) handleSubscribe(req wsRequest) {
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.replyError(req.ID, "invalid subscribe payload")
		return
	}

	subscribe := req.Type == WSTypeSubscribe
	changed := make([]string, 0, len(p.Channels))
	for _, ch := range p.Channels {
		ch = process.NormaliseID(ch)
		if ch == "" {
			continue
		}
		if subscribe {
			c.hub.follow(c, ch)
		} else {
			c.hub.unfollow(c, ch)
		}
		changed = append(changed, ch)
	}

	key := "unsubscribed"
	if subscribe {
		key = "subscribed"
	}
	c.reply(req.ID, WSTypeResponse, map[string]any{key: changed})
}

func (c *WSClient) handleSend(req wsRequest) {
	var p WSSendPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.replyError(req.ID, "invalid send payload")
		return
	}

	runner := process.NormaliseID(p.Runner)
	if runner == "" {
		if f := c.following(); len(f) == 1 {
			runner = f[0]
		}
	}
	e, ok := c.registry.Get(runner)
	if !ok {
		c.replyError(req.ID, "runner not found: "+runner)
		return
	}
	delivered, err := e.SendMessage(p.Text)
	if err != nil {
		c.replyError(req.ID, err.Error())
		return
	}
	c.reply(req.ID, WSTypeResponse, map[string]any{"sent": runner, "delivered": delivered})
}

func (c *WSClient) reply(id, typ string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.offer(data)
}

func (c *WSClient) replyError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
