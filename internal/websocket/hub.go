package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message types
const (
	MessageTypeRecordsUpdated = "records_updated"
	MessageTypeSubscribe      = "subscribe"
	MessageTypeUnsubscribe    = "unsubscribe"
	MessageTypeSubscribed     = "subscribed"
	MessageTypeUnsubscribed   = "unsubscribed"
	MessageTypePing           = "ping"
	MessageTypePong           = "pong"
	MessageTypeError          = "error"
)

// Message represents a WebSocket message sent to clients
type Message struct {
	Type      string      `json:"type"`
	Map       string      `json:"map,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Gauge tracks the number of open connections
type Gauge interface {
	Inc()
	Dec()
}

// Hub maintains the set of active clients and their map subscriptions
type Hub struct {
	// Subscribed clients by map name
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	gauge  Gauge
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	mapName string
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithGauge reports connection counts
func WithGauge(g Gauge) HubOption {
	return func(h *Hub) {
		h.gauge = g
	}
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns every change to the client and subscription sets until Stop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case req := <-h.subscribe:
			h.follow(req.client, req.mapName)
		case req := <-h.unsubscribe:
			h.unfollow(req.client, req.mapName)
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// Stop ends Run; connected clients are not closed
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.allClients[client] = true
	h.mu.Unlock()

	if h.gauge != nil {
		h.gauge.Inc()
	}
	client.logger.Debug("client registered")
}

// removeClient drops the client from every map and closes its send channel
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.allClients[client] {
		return
	}
	delete(h.allClients, client)
	for mapName := range h.clients {
		h.dropSubscription(client, mapName)
	}
	close(client.send)

	if h.gauge != nil {
		h.gauge.Dec()
	}
	client.logger.Debug("client unregistered")
}

func (h *Hub) follow(client *Client, mapName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.allClients[client] {
		return
	}
	subscribers, ok := h.clients[mapName]
	if !ok {
		subscribers = make(map[*Client]bool)
		h.clients[mapName] = subscribers
	}
	subscribers[client] = true
	client.logger.Debug("client subscribed", "map", mapName)
}

func (h *Hub) unfollow(client *Client, mapName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropSubscription(client, mapName)
	client.logger.Debug("client unsubscribed", "map", mapName)
}

// dropSubscription must be called with mu held
func (h *Hub) dropSubscription(client *Client, mapName string) {
	subscribers, ok := h.clients[mapName]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, mapName)
	}
}

// deliver sends a message to the subscribers of its map. Slow clients whose
// buffer is full miss the message.
func (h *Hub) deliver(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[message.Map] {
		select {
		case client.send <- data:
		default:
			client.logger.Warn("client buffer full, skipping update", "map", message.Map)
		}
	}
}

// NotifyRecordsUpdated tells a map's subscribers to refetch its records
func (h *Hub) NotifyRecordsUpdated(mapName string) {
	message := &Message{
		Type:      MessageTypeRecordsUpdated,
		Map:       mapName,
		Timestamp: h.now().Unix(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "map", mapName)
	}
}

// Register adds a client to the hub. After Stop it does nothing.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub. After Stop it does nothing.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a map's subscribers
func (h *Hub) Subscribe(client *Client, mapName string) {
	h.request(h.subscribe, client, mapName)
}

// Unsubscribe removes a client from a map's subscribers
func (h *Hub) Unsubscribe(client *Client, mapName string) {
	h.request(h.unsubscribe, client, mapName)
}

func (h *Hub) request(ch chan<- *subscriptionRequest, client *Client, mapName string) {
	select {
	case ch <- &subscriptionRequest{client: client, mapName: mapName}:
	case <-h.ctx.Done():
	}
}

// SubscriberCount returns the number of subscribers of a map
func (h *Hub) SubscriberCount(mapName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[mapName])
}

// TotalConnections returns the total number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
