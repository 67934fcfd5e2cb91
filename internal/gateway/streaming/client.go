package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pilotd/pilotd/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client message actions
const (
	ActionSubscribe   = "project.subscribe"
	ActionUnsubscribe = "project.unsubscribe"
)

// ClientMessage is the inbound control message schema
type ClientMessage struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id"`
}

// Ack is sent back after a control message is applied
type Ack struct {
	Action    string `json:"action"`
	ProjectID string `json:"project_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Client represents a single WebSocket connection
type Client struct {
	ID       string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	projects map[string]bool
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		projects: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps control messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendAck(Ack{Success: false, Error: "invalid message format"})
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	if msg.ProjectID == "" {
		c.sendAck(Ack{Action: msg.Action, Success: false, Error: "project_id is required"})
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		c.hub.SubscribeClient(c, msg.ProjectID)
	case ActionUnsubscribe:
		c.hub.UnsubscribeClient(c, msg.ProjectID)
	default:
		c.sendAck(Ack{Action: msg.Action, ProjectID: msg.ProjectID, Success: false, Error: "unknown action"})
		return
	}
	c.sendAck(Ack{Action: msg.Action, ProjectID: msg.ProjectID, Success: true})
}

func (c *Client) sendAck(ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// WritePump pumps broadcast messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
