package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType identifies the kind of event carried by a WSMessage. Mirrors
// the three events the orchestrator emits.
type MessageType string

const (
	MsgStatusUpdate MessageType = "status-update"
	MsgJobReceived  MessageType = "job-received"
	MsgError        MessageType = "error"
)

// WSMessage is the envelope written to every connected dashboard client.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the single-writer broadcaster for the local /ws/events endpoint.
// Every connected client receives every event — the proxy has one event
// stream, not per-entity topics, so there is no subscription filtering.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *zap.Logger
}

// NewHub creates an idle Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.Named("events.hub"),
	}
}

// ServeHTTP upgrades the connection and registers it with the hub. It
// blocks for the lifetime of the connection — callers run it directly from
// an HTTP handler goroutine.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan WSMessage, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// broadcast sends msg to every connected client, dropping clients whose
// send buffer is full so one slow consumer cannot stall the others.
func (h *Hub) broadcast(msg WSMessage) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister(c)
		}
	}
}

// StatusUpdate implements Listener.
func (h *Hub) StatusUpdate(status []TargetStatus) {
	h.broadcast(WSMessage{Type: MsgStatusUpdate, Payload: status})
}

// JobReceived implements Listener.
func (h *Hub) JobReceived(targetID, jobID string) {
	h.broadcast(WSMessage{Type: MsgJobReceived, Payload: map[string]string{
		"targetId": targetID,
		"jobId":    jobID,
	}})
}

// Error implements Listener.
func (h *Hub) Error(targetID string, err error) {
	h.broadcast(WSMessage{Type: MsgError, Payload: map[string]string{
		"targetId": targetID,
		"error":    err.Error(),
	}})
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan WSMessage
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
