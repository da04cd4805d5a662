package server

import (
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/prsnl-app/prsnl/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Single-user local service; origin checks are handled by the
	// security-headers middleware whitelist.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans job progress events out to WebSocket connections. Each
// connection gets its own write mutex since gorilla conns allow only one
// concurrent writer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewHub creates a WebSocket hub with no connections.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) *sync.Mutex {
	mu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = mu
	count := len(h.clients)
	h.mu.Unlock()
	log.Debug().Int("total_clients", count).Msg("WebSocket client connected")
	return mu
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()
	_ = conn.Close()
	log.Debug().Int("total_clients", count).Msg("WebSocket client disconnected")
}

// Broadcast sends one event to every connection; conns whose write fails
// are closed and dropped.
func (h *Hub) Broadcast(data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal WebSocket event")
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mu := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, mu)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mu := mutexes[i]
		mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		mu.Unlock()
		if err != nil {
			h.unregister(conn)
		}
	}
}

// HandleWS upgrades the request and serves it until the peer disconnects.
// Inbound messages are discarded; the socket is broadcast-only.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	writeMu := h.register(conn)
	defer h.unregister(conn)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Ping loop keeps intermediaries from timing the connection out.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				writeMu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Events fans one job progress stream out to both transports.
type Events struct {
	SSE *Broadcaster
	WS  *Hub
}

// NewEvents builds the combined event fan-out.
func NewEvents() *Events {
	return &Events{SSE: NewBroadcaster(), WS: NewHub()}
}

// NotifyJob broadcasts a job progress event to all subscribers.
func (e *Events) NotifyJob(event models.ProgressEvent) {
	e.SSE.Broadcast(event)
	e.WS.Broadcast(event)
}
