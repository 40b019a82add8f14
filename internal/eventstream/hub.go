package eventstream

import (
	"context"
	"sync"

	"github.com/unity-bridge/relay/internal/registry"
)

// Hub is the central pub/sub broker for dashboard WebSocket clients. All
// mutation to the client registry is serialized through the Run goroutine
// via channels; Publish takes a brief read-lock to copy the target set and
// sends outside the lock so a slow client cannot stall the loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle Hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run drives the hub's event loop until ctx is cancelled, at which point
// every connected client is disconnected.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine. A client whose send buffer is full is disconnected rather
// than allowed to block other subscribers.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// PublishEvent implements registry.EventPublisher, broadcasting ev on the
// single instances topic.
func (h *Hub) PublishEvent(ev registry.Event) {
	h.Publish(TopicInstances, Message{Type: MsgInstanceEvent, Topic: TopicInstances, Payload: ev})
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *Client) { h.register <- client }

// Unsubscribe removes client from the hub.
func (h *Hub) Unsubscribe(client *Client) { h.unregister <- client }

// ConnectedCount returns the current number of connected dashboard clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
