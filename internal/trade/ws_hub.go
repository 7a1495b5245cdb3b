package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string           `json:"type"` // snapshot, trade_executed or portfolio_updated
	Portfolio *model.Portfolio `json:"portfolio"`
	Trade     *model.Trade     `json:"trade,omitempty"`
}

type update struct {
	userID  string
	version int64
	data    []byte
	only    *client // deliver to this client alone
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte

	// last is the version of the newest snapshot queued to this client.
	// Owned by the hub's Run loop once the client is registered.
	last int64
}

// WSHub fans portfolio snapshots out to the WebSocket clients of their
// owner. A client never receives a snapshot whose version is not newer than
// one it already has, so late or duplicate notifications (a local commit and
// the same commit echoed back by the store) are dropped.
type WSHub struct {
	clients    map[string]map[*client]bool
	broadcast  chan update
	register   chan *client
	unregister chan *client
	kick       chan string
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*client]bool),
		broadcast:  make(chan update, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		kick:       make(chan string, 16),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and blocks until ctx is done.
// Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					h.remove(c)
				}
			}
			return

		case c := <-h.register:
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*client]bool)
				h.clients[c.userID] = set
			}
			set[c] = true
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID, "user_clients", len(set))

		case c := <-h.unregister:
			h.remove(c)

		case uid := <-h.kick:
			for c := range h.clients[uid] {
				h.remove(c)
			}

		case u := <-h.broadcast:
			for c := range h.clients[u.userID] {
				if u.only != nil && u.only != c {
					continue
				}
				if u.version <= c.last {
					continue
				}
				select {
				case c.send <- u.data:
					c.last = u.version
				default:
					// Client is not keeping up; it can reconnect for a fresh snapshot.
					slog.Warn("ws client too slow, disconnecting", "user", c.userID)
					h.remove(c)
				}
			}
		}
	}
}

func (h *WSHub) remove(c *client) {
	set := h.clients[c.userID]
	if !set[c] {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Publish queues p for the clients of p.UserID. t is the trade that produced
// it, if any.
func (h *WSHub) Publish(p model.Portfolio, t *model.Trade) {
	msgType := "portfolio_updated"
	if t != nil {
		msgType = "trade_executed"
	}
	data, err := json.Marshal(WSMessage{Type: msgType, Portfolio: &p, Trade: t})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- update{userID: p.UserID, version: p.Version, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
		slog.Warn("ws broadcast buffer full, dropping update", "user", p.UserID, "version", p.Version)
	}
}

// Disconnect closes every client of userID.
func (h *WSHub) Disconnect(userID string) {
	select {
	case h.kick <- userID:
	default:
		slog.Warn("ws disconnect queue full", "user", userID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// ServeClient upgrades the request and registers a client for userID. The
// client is registered before snapshot is read, so a commit landing in
// between reaches it either as the snapshot or as a newer update.
func (h *WSHub) ServeClient(w http.ResponseWriter, r *http.Request, userID string, snapshot func() (*model.Portfolio, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go h.readPump(c)

	p, err := snapshot()
	if err != nil {
		slog.Error("ws snapshot failed", "user", userID, "err", err)
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		return
	}
	h.prime(c, p)
}

// prime queues the initial snapshot for c. It is dropped if c already has
// an update at least as new.
func (h *WSHub) prime(c *client, p *model.Portfolio) {
	data, err := json.Marshal(WSMessage{Type: "snapshot", Portfolio: p})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- update{userID: c.userID, version: p.Version, data: data, only: c}:
	case <-h.done:
	}
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It also pings to keep the
// connection alive through proxies.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
