// Package streaming broadcasts job lifecycle events to WebSocket
// clients subscribed by project.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
)

// BroadcastMessage is one event destined for a project's subscribers
type BroadcastMessage struct {
	ProjectID string
	Payload   interface{}
}

// Hub manages all WebSocket clients
type Hub struct {
	clients map[*Client]bool

	// Clients by project ID for efficient routing
	projectClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		projectClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		logger:         log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.projectClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.projectClients[msg.ProjectID]))
	for client := range h.projectClients[msg.ProjectID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			// Send buffer full, drop the client
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for projectID := range client.projects {
		if clients, ok := h.projectClients[projectID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.projectClients, projectID)
			}
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a payload to every client subscribed to the project
func (h *Hub) Broadcast(projectID string, payload interface{}) {
	h.broadcast <- &BroadcastMessage{ProjectID: projectID, Payload: payload}
}

// SubscribeClient subscribes a client to a project's events
func (h *Hub) SubscribeClient(client *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.projectClients[projectID]; !ok {
		h.projectClients[projectID] = make(map[*Client]bool)
	}
	h.projectClients[projectID][client] = true
	client.projects[projectID] = true
}

// UnsubscribeClient removes a client's project subscription
func (h *Hub) UnsubscribeClient(client *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.projectClients[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.projectClients, projectID)
		}
	}
	delete(client.projects, projectID)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ProjectSubscriberCount returns the number of clients subscribed to a project
func (h *Hub) ProjectSubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.projectClients[projectID])
}
