package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/syncx"
)

// HubOptions tunes connection keepalive
type HubOptions struct {
	MaxConnPerSubject int
	WriteWait         time.Duration
	PongWait          time.Duration
	// PingPeriod must be shorter than PongWait
	PingPeriod time.Duration
	Now        func() time.Time
}

// Hub fans change frames out to every connected push client
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*wsClient
	bySub    map[string]map[string]bool
	logger   zerolog.Logger
}

type wsClient struct {
	id      string
	subject string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
}

// NewHub creates a hub
func NewHub(opts HubOptions) *Hub {
	if opts.MaxConnPerSubject <= 0 {
		opts.MaxConnPerSubject = 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
		bySub:   make(map[string]map[string]bool),
		logger:  log.With().Str("component", "hub").Logger(),
	}
}

// ServeWS upgrades an authenticated request and runs its pumps
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sub := auth.Subject(r.Context())

	h.mu.RLock()
	full := len(h.bySub[sub]) >= h.opts.MaxConnPerSubject
	h.mu.RUnlock()
	if full {
		h.logger.Warn().Str("sub", sub).Msg("max connections reached")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	c := &wsClient{id: uuid.New().String(), subject: sub, conn: conn, hub: h, send: make(chan []byte, 256)}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	if h.bySub[c.subject] == nil {
		h.bySub[c.subject] = make(map[string]bool)
	}
	h.bySub[c.subject][c.id] = true
	h.logger.Info().Str("clientId", c.id).Str("sub", c.subject).Msg("client registered")
}

// unregister removes c and closes its send queue, once
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	delete(h.bySub[c.subject], c.id)
	if len(h.bySub[c.subject]) == 0 {
		delete(h.bySub, c.subject)
	}
	close(c.send)
	h.logger.Info().Str("clientId", c.id).Msg("client unregistered")
}

// Broadcast queues f for every client. Clients whose queue is full are
// disconnected; they resync on reconnect.
func (h *Hub) Broadcast(f syncx.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("messageType", f.MessageType).Msg("failed to encode frame")
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("clientId", c.id).Msg("send buffer full, closing connection")
		h.unregister(c)
	}
}

// Connections returns the number of connected clients
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

// reply queues a control response; it is dropped if the client is gone
func (c *wsClient) reply(messageType string, data any) {
	f, err := syncx.NewFrame(messageType, data, c.hub.opts.Now())
	if err != nil {
		return
	}
	b, _ := json.Marshal(f)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("clientId", c.id).Msg("websocket error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))

		var msg syncx.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Debug().Err(err).Str("clientId", c.id).Msg("undecodable client message")
			continue
		}
		switch msg.Type {
		case syncx.TypePing:
			c.reply(syncx.TypePong, map[string]any{})
		case syncx.TypeSubscribe:
			event, _ := syncx.GetString(msg.Data, "event")
			if event == "" {
				event = "all"
			}
			c.reply(syncx.TypeSubscriptionConfirmed, map[string]string{"event": event, "status": "subscribed"})
		case syncx.TypeHeartbeat:
			c.reply(syncx.TypeHeartbeatResponse, map[string]any{"timestamp": c.hub.opts.Now().UTC()})
		default:
			c.hub.logger.Debug().Str("type", msg.Type).Str("clientId", c.id).Msg("unknown client message")
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch whatever else is queued into the same message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
