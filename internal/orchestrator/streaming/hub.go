// Package streaming bridges the event bus's per-task session subjects to
// WebSocket clients attached to the HTTP boundary, grounded on the
// teacher's broadcast hub but re-keyed on bus.Event.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/logger"
	"github.com/kandev/agentd/internal/events"
	"github.com/kandev/agentd/internal/events/bus"
)

// Client is one attached WebSocket connection, subscribed to zero or more
// task ids.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	logger  *logger.Logger
	send    chan []byte
	mu      sync.RWMutex
	taskIDs map[string]bool
}

// NewClient wraps an upgraded WebSocket connection for registration with a Hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		logger:  log,
		send:    make(chan []byte, 64),
		taskIDs: make(map[string]bool),
	}
}

// BroadcastMessage carries one session event destined for its task's subscribers.
type BroadcastMessage struct {
	TaskID string
	Event  *bus.Event
}

// Hub fans out session events from the event bus to subscribed clients.
// Registration, unregistration and broadcast go through channels serviced
// by Run; the client and per-task subscriber maps are additionally guarded
// by mu, since SubscribeClient and UnsubscribeClient are called from client
// goroutines.
type Hub struct {
	bus bus.EventBus

	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	sub bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub constructs a Hub over an already-connected event bus. Run must be
// called to start routing.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:         eventBus,
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		logger:      log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Run subscribes to every session's event stream and services the
// register/unregister/broadcast channels until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(events.BuildSessionWildcardSubject(), func(_ context.Context, ev *bus.Event) error {
		taskID, _ := ev.Data["task_id"].(string)
		if taskID == "" {
			return nil
		}
		select {
		case h.broadcast <- &BroadcastMessage{TaskID: taskID, Event: ev}:
		default:
			h.logger.Warn("dropping broadcast, queue full", zap.String("task_id", taskID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.dropClient(c)
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	payload, err := json.Marshal(msg.Event)
	if err != nil {
		h.logger.Error("marshal broadcast event", zap.Error(err))
		return
	}

	h.mu.RLock()
	subscribers := h.taskClients[msg.TaskID]
	targets := make([]*Client, 0, len(subscribers))
	for c := range subscribers {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(payload) {
			h.logger.Warn("client send buffer full, dropping", zap.String("client_id", c.ID))
			go h.Unregister(c)
		}
	}
}

func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for taskID := range c.taskIDs {
		if set, ok := h.taskClients[taskID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.taskClients, taskID)
			}
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
	h.taskClients = make(map[string]map[*Client]bool)
}

// Register admits a new client. Call after the WebSocket upgrade succeeds.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client and releases its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// SubscribeClient attaches a registered client to a task's event stream.
func (h *Hub) SubscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.taskClients[taskID]
	if !ok {
		set = make(map[*Client]bool)
		h.taskClients[taskID] = set
	}
	set[c] = true
}

// UnsubscribeClient detaches a client from a task's event stream.
func (h *Hub) UnsubscribeClient(c *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.taskClients[taskID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// GetClientCount returns the number of currently registered clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetTaskSubscriberCount returns the number of clients subscribed to a task.
func (h *Hub) GetTaskSubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}

