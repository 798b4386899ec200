package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tullo/moderation/internal/cache"
	"github.com/tullo/moderation/internal/models"
)

// Hub maintains the connected reviewers and fans review events out to them
type Hub struct {
	// Connected reviewers, one session each
	clients map[uuid.UUID]*Client

	// Encoded messages for every client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client
	// closed when Run returns
	done       chan struct{}

	// Redis carries review events between instances; nil runs single-node
	redis *cache.RedisClient

	mu sync.RWMutex
}

// NewHub creates a new Hub. redis may be nil.
func NewHub(redis *cache.RedisClient) *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redis,
	}
}

// Run serves register, unregister and broadcast requests until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.userID]; ok && old != client {
				old.close()
			}
			h.clients[client.userID] = client
			h.mu.Unlock()
			slog.Info("reviewer connected", "reviewer_id", client.userID)

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
			}
			client.close()
			h.mu.Unlock()
			slog.Info("reviewer disconnected", "reviewer_id", client.userID)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		select {
		case client.send <- message:
		default:
			// slow consumer
			client.close()
			delete(h.clients, id)
		}
	}
}

// subscribeToRedis relays safety events published by any instance
func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.SubscribeToSafetyEvents()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.SafetyEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("dropping malformed safety event", "err", err)
				continue
			}
			if err := h.Broadcast(models.EventReviewRequired, &event); err != nil {
				slog.Warn("failed to broadcast safety event", "event_id", event.ID, "err", err)
			}
		}
	}
}

// PublishSafetyEvent announces an event that waits for review. With Redis the
// event reaches every instance through pub/sub, otherwise only local reviewers.
func (h *Hub) PublishSafetyEvent(ctx context.Context, event *models.SafetyEvent) error {
	if h.redis != nil {
		return h.redis.PublishSafetyEvent(ctx, event)
	}
	return h.Broadcast(models.EventReviewRequired, event)
}

// Broadcast queues a message for every connected reviewer
func (h *Hub) Broadcast(event string, payload interface{}) error {
	data, err := json.Marshal(models.WSMessage{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", event, err)
	}

	select {
	case h.broadcast <- data:
		return nil
	default:
		return fmt.Errorf("broadcast queue full, dropped %s", event)
	}
}

// ReviewerSession describes one connected reviewer
type ReviewerSession struct {
	ReviewerID  uuid.UUID `json:"reviewer_id"`
	Email       string    `json:"email"`
	ConnectedAt time.Time `json:"connected_at"`
}

// OnlineReviewers returns the connected reviewers, longest connected first
func (h *Hub) OnlineReviewers() []ReviewerSession {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]ReviewerSession, 0, len(h.clients))
	for id, client := range h.clients {
		sessions = append(sessions, ReviewerSession{
			ReviewerID:  id,
			Email:       client.email,
			ConnectedAt: client.connectedAt,
		})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt) })

	return sessions
}
