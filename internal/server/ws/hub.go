// Package ws relays audit progress events from the signal bus to websocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256
)

// History returns the newest entries of a durable stream, oldest first.
type History interface {
	StreamTail(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

// Config selects what the hub relays.
type Config struct {
	// Channels are the bus channels relayed to clients.
	Channels []string
	Mode     string
	// ReplayStream, when set with a History, is replayed to new clients.
	ReplayStream string
	ReplayCount  int
	StartedAt    time.Time
}

// upgrader configures the WebSocket upgrade parameters. Origin checks are
// left to the CORS middleware in front of /ws.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu sync.RWMutex
	// watch limits delivery to these audit IDs; empty means all.
	watch map[string]bool
}

// controlMsg is what a client sends to narrow or widen its feed.
//
//	{"action":"watch","audit_ids":["..."]}
//	{"action":"unwatch","audit_ids":["..."]}
type controlMsg struct {
	Action   string   `json:"action"`
	AuditIDs []string `json:"audit_ids"`
}

// broadcastMsg carries a payload with the audit it belongs to so the hub
// can route it without decoding per client.
type broadcastMsg struct {
	auditID string
	data    []byte
}

// Hub fans bus messages out to connected clients.
type Hub struct {
	cfg        Config
	bus        domain.SignalBus
	history    History
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub over bus. If bus also implements History, recent
// events are replayed to new clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.ReplayCount <= 0 {
		cfg.ReplayCount = 50
	}
	h := &Hub{
		cfg:        cfg,
		bus:        bus,
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	if hist, ok := bus.(History); ok && cfg.ReplayStream != "" {
		h.history = hist
	}
	return h
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range h.cfg.Channels {
		go h.subscribeToChannel(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.DebugContext(ctx, "client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.DebugContext(ctx, "client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.auditID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.WarnContext(ctx, "dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.ErrorContext(ctx, "subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.InfoContext(ctx, "subscribed", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.WarnContext(ctx, "subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{auditID: auditIDOf(data), data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// auditIDOf extracts the audit_id of an event payload; non-events map to "".
func auditIDOf(data []byte) string {
	var ev struct {
		AuditID string `json:"audit_id"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ""
	}
	return ev.AuditID
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		watch: make(map[string]bool),
	}
	if id := r.URL.Query().Get("audit_id"); id != "" {
		c.watch[id] = true
	}

	h.register <- c
	c.sendStatus()
	h.replay(r.Context(), c)

	go c.writePump()
	go c.readPump()
}

// replay queues recent stream history the client is interested in.
func (h *Hub) replay(ctx context.Context, c *client) {
	if h.history == nil {
		return
	}
	msgs, err := h.history.StreamTail(ctx, h.cfg.ReplayStream, h.cfg.ReplayCount)
	if err != nil {
		h.logger.WarnContext(ctx, "replay failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		if !c.wants(auditIDOf(m.Payload)) {
			continue
		}
		select {
		case c.send <- m.Payload:
		default:
			return
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.handleControl(msg)
		}
	}
}

func (c *client) handleControl(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "watch":
		for _, id := range msg.AuditIDs {
			c.watch[id] = true
		}
	case "unwatch":
		for _, id := range msg.AuditIDs {
			delete(c.watch, id)
		}
	}
}

// wants reports whether an event for auditID should reach the client.
func (c *client) wants(auditID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.watch) == 0 || c.watch[auditID]
}

// sendStatus lets a client mark the connection healthy before any audit
// event arrives.
func (c *client) sendStatus() {
	uptime := int64(time.Since(c.hub.cfg.StartedAt).Seconds())
	msg, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"mode":           c.hub.cfg.Mode,
			"uptime_seconds": max(uptime, 0),
			"clients":        c.hub.clientCount(),
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
