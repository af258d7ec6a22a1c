package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gator-chat/internal/engine"
	"gator-chat/internal/models"
)

var (
	ErrUnknownConnection = errors.New("connection not registered with hub")
	ErrSendBufferFull    = errors.New("send buffer full")
)

// ChatEngine is what the hub and its clients need from the engine.
type ChatEngine interface {
	SendMessage(ctx context.Context, req engine.SendRequest) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error)
	AttachConnection(connID, userID string)
	UnregisterConnection(connID string)
}

// Hub maintains the set of active clients, keyed by connection id, and keeps
// the presence registry in step with them.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	engine         ChatEngine
	logger         *slog.Logger
	requestTimeout time.Duration

	// Mutex to protect concurrent access to the clients map.
	mu sync.RWMutex
}

func NewHub(chat ChatEngine, logger *slog.Logger, requestTimeout time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Hub{
		clients:        make(map[string]*Client),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		done:           make(chan struct{}),
		engine:         chat,
		logger:         logger,
		requestTimeout: requestTimeout,
	}
}

// Run starts the hub's processing loop. It returns when ctx is done, after
// closing every remaining client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.done)
	for {
		select {
		case client := <-h.Register:
			h.register(client)

		case client := <-h.Unregister:
			h.unregister(client)

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
				h.engine.UnregisterConnection(id)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return
		}
	}
}

// Join hands a new client to the running hub. After the hub has stopped the
// connection is closed instead.
func (h *Hub) Join(client *Client) {
	select {
	case h.Register <- client:
	case <-h.done:
		client.Conn.Close()
	}
}

// leave never blocks once the hub has stopped.
func (h *Hub) leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// register runs on the hub loop, so it only touches memory. The user was
// checked before the socket was upgraded.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.engine.AttachConnection(client.ID, client.UserID)
	h.logger.Info("websocket client registered", "conn_id", client.ID, "user_id", client.UserID, "connections", h.Count())
}

func (h *Hub) unregister(client *Client) {
	if h.remove(client) {
		h.engine.UnregisterConnection(client.ID)
		h.logger.Info("websocket client unregistered", "conn_id", client.ID, "user_id", client.UserID)
	}
}

// remove drops client and closes its send channel exactly once.
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.clients[client.ID]
	if !ok || current != client {
		return false
	}
	delete(h.clients, client.ID)
	close(client.Send)
	return true
}

// Push queues payload on one connection without blocking. A full buffer drops
// the payload for that connection only.
func (h *Hub) Push(connID string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	select {
	case client.Send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
