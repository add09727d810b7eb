// Package websocket fans job status and outcome events out to connected
// clients over /ws/events.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/publish"
)

// Hub tracks connected clients and broadcasts events to all of them. It
// implements publish.EventSink.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan publish.Event

	mu      sync.Mutex
	clients map[*Client]bool
	log     *logger.Logger
}

// NewHub creates a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan publish.Event, 64),
		clients:    make(map[*Client]bool),
		log:        logger.Default().WithComponent("websocket"),
	}
}

// Run processes registrations and broadcasts until ctx ends, then closes
// every client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error(ctx, "marshaling event", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow client; drop it rather than stall the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for every connected client. Never blocks; when
// the buffer is full the event is dropped.
func (h *Hub) Broadcast(event publish.Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}
