// Package websocket streams billing events to dashboard clients.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is read-only and served on the internal port
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound frames for every client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// closed when Run returns
	done chan struct{}

	mu        sync.RWMutex
	startedAt time.Time
	logger    *logger.Logger
}

// NewHub creates a new Hub instance
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		startedAt:  time.Now(),
		logger:     log,
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every client.
func (h *Hub) Run(ctx context.Context) {
	heartbeatTicker := time.NewTicker(pingPeriod)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			close(h.done)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", "client_id", client.ID, "total", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			clientCount := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", "client_id", client.ID, "total", clientCount)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow consumer
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("WebSocket client dropped, send buffer full", "client_id", client.ID)
				}
			}
			h.mu.Unlock()

		case <-heartbeatTicker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) sendHeartbeat() {
	clientCount := h.ClientCount()
	if clientCount == 0 {
		return
	}

	heartbeat := NewMessage(TypeHeartbeat, "ping", HeartbeatData{
		ServerTime:  time.Now().UTC(),
		ClientCount: clientCount,
	})
	if err := h.BroadcastMessage(heartbeat); err != nil {
		h.logger.Error("Error serializing heartbeat", "error", err)
	}
}

// Broadcast queues a frame for all connected clients
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		h.logger.Warn("Broadcast channel full, message dropped")
		return false
	}
}

// BroadcastMessage broadcasts a Message struct to all clients
func (h *Hub) BroadcastMessage(msg *Message) error {
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	if !h.Broadcast(data) {
		return fmt.Errorf("broadcast dropped %s.%s", msg.Type, msg.Event)
	}
	return nil
}

// Publish implements events.Publisher
func (h *Hub) Publish(_ context.Context, event events.Event) error {
	return h.BroadcastMessage(FromEvent(event))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWs handles websocket requests from the peer
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", "error", err)
		return
	}

	clientID := uuid.New().String()[:8]
	client := NewClient(h, conn, clientID)

	welcome := NewMessage(TypeHealth, "connected", WelcomeData{
		ClientID:   clientID,
		ServerTime: time.Now().UTC(),
		Message:    "Connected to billing event feed",
	})
	if data, err := welcome.ToJSON(); err == nil {
		client.send <- data
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Stats is a snapshot of the hub
type Stats struct {
	ClientCount int           `json:"client_count"`
	StartedAt   time.Time     `json:"started_at"`
	Uptime      string        `json:"uptime"`
	Clients     []ClientStats `json:"clients"`
}

// ClientStats describes one connection
type ClientStats struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]ClientStats, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, ClientStats{ID: client.ID, ConnectedAt: client.ConnectedAt})
	}

	return Stats{
		ClientCount: len(h.clients),
		StartedAt:   h.startedAt,
		Uptime:      time.Since(h.startedAt).String(),
		Clients:     clients,
	}
}
