// Package ws streams engine events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/sink"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// SendBufferSize is the per-client queue. A client whose queue fills is
	// disconnected.
	SendBufferSize = 256

	maxSubscriptions = 128
)

// Families are the channel prefixes a client may subscribe to.
var Families = []string{"depth", "trades", "stats", "orders"}

// request is a client control frame.
type request struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// reply acknowledges a control frame or reports an error.
type reply struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// envelope wraps one event for delivery.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
}

// Hub bridges the signal bus to connected clients. Every node runs one, so
// followers serve the writer's deltas.
type Hub struct {
	bus      domain.SignalBus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan envelope
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool

	slowDrops atomic.Int64
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws-hub")),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, 1024),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, origin)
		},
	}
	return h
}

// Run subscribes to the event bus and routes events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	msgs, err := h.bus.Subscribe(ctx, sink.EventsPattern)
	if err != nil {
		return err
	}
	go h.pump(ctx, msgs)

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
			h.logger.Debug("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.drop(c)

		case env := <-h.broadcast:
			h.route(env)
		}
	}
}

// pump decodes bus payloads into routed envelopes.
func (h *Hub) pump(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				h.logger.Warn("event subscription closed")
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.Warn("undecodable bus event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- envelope{Channel: ev.Channel(), Data: raw}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) route(env envelope) {
	var frame []byte
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscribed(env.Channel) {
			continue
		}
		if frame == nil {
			frame, _ = json.Marshal(env)
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.slowDrops.Add(1)
		h.logger.Warn("dropping slow client", slog.Int("buffer", cap(c.send)))
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SlowDrops returns how many clients were disconnected for falling behind.
func (h *Hub) SlowDrops() int64 { return h.slowDrops.Load() }

// HandleWS upgrades the request and serves the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, SendBufferSize),
		subs: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// validChannel accepts {family}:{market}:{outcome} and prefix wildcards
// such as depth:137:* or trades:*.
func validChannel(ch string) bool {
	family, rest, ok := strings.Cut(ch, ":")
	if !ok || rest == "" || !slices.Contains(Families, family) {
		return false
	}
	if i := strings.IndexByte(rest, '*'); i >= 0 && i != len(rest)-1 {
		return false
	}
	return true
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(reply{Op: "error", Error: "malformed frame"})
			continue
		}
		c.reply(c.handle(req))
	}
}

func (c *client) handle(req request) reply {
	var bad []string
	for _, ch := range req.Channels {
		if !validChannel(ch) {
			bad = append(bad, ch)
		}
	}
	if len(bad) > 0 {
		return reply{Op: "error", Channels: bad, Error: "unknown channel"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Op {
	case "subscribe":
		if len(c.subs)+len(req.Channels) > maxSubscriptions {
			return reply{Op: "error", Error: "too many subscriptions"}
		}
		for _, ch := range req.Channels {
			c.subs[ch] = true
		}
		return reply{Op: "subscribed", Channels: req.Channels}
	case "unsubscribe":
		for _, ch := range req.Channels {
			delete(c.subs, ch)
		}
		return reply{Op: "unsubscribed", Channels: req.Channels}
	case "ping":
		return reply{Op: "pong"}
	}
	return reply{Op: "error", Error: "unknown op " + req.Op}
}

// reply queues a control frame. A full queue means the client is already
// being dropped.
func (c *client) reply(r reply) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
