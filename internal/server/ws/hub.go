// Package ws streams the change feed to browser and indexer clients over
// WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// TopicAll receives every event; "market:<id>" receives one market and
	// "market:*" every market-scoped event.
	TopicAll = "events"
)

// client is one WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the control frame clients send:
//
//	{"action":"subscribe","topics":["market:4"]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub tracks connected clients and fans events out to the ones subscribed.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan routed
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	startedAt  time.Time
	version    string
}

type routed struct {
	marketID uint64
	data     []byte
}

// Config holds hub settings.
type Config struct {
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	Version        string
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan routed, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With(slog.String("component", "ws")),
		startedAt:  time.Now().UTC(),
		version:    cfg.Version,
	}
	origins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Name implements feed.Sink.
func (h *Hub) Name() string { return "ws" }

// Deliver implements feed.Sink. It never blocks the publisher: when the
// broadcast queue is full the event is dropped for WebSocket clients.
func (h *Hub) Deliver(ctx context.Context, ev domain.Event, payload []byte) error {
	h.Broadcast(ctx, ev, payload)
	return nil
}

// Broadcast queues payload for clients subscribed to ev's topics.
func (h *Hub) Broadcast(ctx context.Context, ev domain.Event, payload []byte) {
	select {
	case h.broadcast <- routed{marketID: ev.MarketID, data: payload}:
	default:
		h.logger.WarnContext(ctx, "ws: broadcast queue full, event dropped", slog.Uint64("seq", ev.Seq))
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
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
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.marketID) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. An optional
// ?market=<id> query subscribes to one market instead of every event.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	if m := r.URL.Query().Get("market"); m != "" {
		c.subs["market:"+m] = true
	} else {
		c.subs[TopicAll] = true
	}

	h.register <- c
	c.sendHello()

	go c.writePump()
	go c.readPump()
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && len(sub.Topics) > 0 {
			c.apply(sub)
		}
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		switch msg.Action {
		case "subscribe":
			c.subs[t] = true
		case "unsubscribe":
			delete(c.subs, t)
		}
	}
}

func (c *client) sendHello() {
	msg, err := json.Marshal(map[string]any{
		"type":           "hello",
		"version":        c.hub.version,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// wants reports whether the client subscribed to an event of marketID.
func (c *client) wants(marketID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[TopicAll] {
		return true
	}
	if marketID == 0 {
		return false
	}
	return c.subs["market:*"] || c.subs["market:"+strconv.FormatUint(marketID, 10)]
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
