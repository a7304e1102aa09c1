package network

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/platform/metrics"
	"github.com/MRamiBalles/KeeperTable/internal/session"
)

// Hub maintains the set of active clients. Messages reach clients through
// the session coordinator, which holds each joined client as a sink.
type Hub struct {
	coord      *session.Coordinator
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
	sendBuffer int
	upgrader   websocket.Upgrader
	logger     *logger.Logger
}

// NewHub initializes a new WebSocket Hub.
func NewHub(coord *session.Coordinator, sendBuffer int, log *logger.Logger) *Hub {
	if sendBuffer < 1 {
		sendBuffer = 256
	}
	return &Hub{
		coord:      coord,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// One shared room; the UI may be served from another origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Run starts the Hub's main loop to handle client connections.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.leave()
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub shutting down")
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.Get().RecordWSConnection(1)
			h.logger.Debug("websocket client connected", logger.String("remote", client.remote))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.leave()
				client.close()
				metrics.Get().RecordWSConnection(-1)
				h.logger.Debug("websocket client disconnected", logger.String("remote", client.remote))
			}
			h.mu.Unlock()
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Get().RecordWSError()
		h.logger.Warn("websocket upgrade failed", logger.Err(err))
		return
	}
	client := NewClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.WritePump()
	go client.ReadPump()
}
