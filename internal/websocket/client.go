package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tullo/moderation/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// The feed is server-to-client; inbound frames are only keepalives
	maxMessageSize = 1024
)

// Client is one reviewer's live feed connection
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	// done is closed by the hub when the session ends; send is never closed
	done        chan struct{}
	closeOnce   sync.Once
	userID      uuid.UUID
	email       string
	connectedAt time.Time

	tokens       int
	maxTokens    int
	refillPeriod time.Duration
	lastRefill   time.Time
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, email string) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
		userID:       userID,
		email:        email,
		connectedAt:  time.Now(),
		tokens:       5,
		maxTokens:    5,
		refillPeriod: time.Second,
		lastRefill:   time.Now(),
	}
}

// close ends the session; safe to call more than once
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads keepalives until the connection drops
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "reviewer_id", c.userID, "err", err)
			}
			break
		}

		if !c.take(time.Now()) {
			c.sendError("rate_limited")
			continue
		}

		c.handleMessage(message)
	}
}

// take spends one token from the per-connection bucket
func (c *Client) take(now time.Time) bool {
	if elapsed := now.Sub(c.lastRefill); elapsed >= c.refillPeriod {
		c.tokens += int(elapsed / c.refillPeriod)
		if c.tokens > c.maxTokens {
			c.tokens = c.maxTokens
		}
		c.lastRefill = now
	}
	if c.tokens <= 0 {
		return false
	}
	c.tokens--
	return true
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handleMessage(data []byte) {
	var wsMsg models.WSMessage
	if err := json.Unmarshal(data, &wsMsg); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch wsMsg.Event {
	case models.EventPing:
		c.sendMessage(models.WSMessage{Event: models.EventPong, Payload: map[string]interface{}{"at": time.Now().UTC()}})
	default:
		c.sendError("Unknown event type")
	}
}

func (c *Client) sendMessage(msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(models.WSMessage{
		Event:   models.EventError,
		Payload: models.WSErrorPayload{Message: message},
	})
}
