package events

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agenthub-ai/agenthub/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans events out to connected websocket subscribers. Emit never blocks;
// when the broadcast buffer is full the event is dropped with a warning.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	once       sync.Once

	mu  sync.RWMutex
	log *logger.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        logger.WithPrefix("events"),
	}
}

// Run processes registration and broadcast traffic until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("subscriber connected: %s", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("subscriber disconnected: %s", client.id)

		case evt := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- evt:
				default:
					h.log.Warn("subscriber %s send buffer full, dropping event", client.id)
				}
			}
			h.mu.RUnlock()

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() {
	h.once.Do(func() { close(h.quit) })
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn("broadcast buffer full, dropping %s event", evt.Type)
	}
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP request to a websocket subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed: %v", err)
		return
	}
	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
