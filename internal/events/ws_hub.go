package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blendguard/safety-vault/internal/metrics"
)

// WSHub manages WebSocket connections and pushes protection events to them.
// A client connecting with ?user=<id> only receives that user's events.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → user filter ("" = all)
	broadcast  chan Event
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait / 2
	wsWriteWait  = 5 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	user string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan Event, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine; it
// returns when ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.user
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "user_filter", c.user, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("ws marshal event", "err", err)
				continue
			}
			h.mu.Lock()
			for conn, user := range h.clients {
				if user != "" && user != ev.UserID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Publish queues ev for delivery. It never blocks: when the buffer is full
// the event is dropped.
func (h *WSHub) Publish(_ context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("ws broadcast buffer full, dropping event", "batch_id", ev.BatchID)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades GET /api/v1/ws and subscribes the connection.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, user: r.URL.Query().Get("user")}:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingPump(conn)
}

// readPump discards client frames until the peer goes away or stops
// answering pings.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.mu.RLock()
		_, subscribed := h.clients[conn]
		h.mu.RUnlock()
		if !subscribed {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}
