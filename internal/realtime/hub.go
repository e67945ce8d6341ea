// Package realtime streams saga events to WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/orders/saga"
)

const writeWait = 5 * time.Second

// Subscription is a connection and the instance it follows. An empty
// InstanceID receives every event.
type Subscription struct {
	Conn       *websocket.Conn
	InstanceID string
}

type message struct {
	instanceID string
	payload    []byte
}

// Hub manages WebSocket subscribers and fans saga events out to them.
type Hub struct {
	connections map[*websocket.Conn]string
	Register    chan Subscription
	Unregister  chan *websocket.Conn
	broadcast   chan message
	mu          sync.Mutex
	upgrader    websocket.Upgrader
	done        chan struct{}
	logf        func(format string, args ...any)
}

// NewHub constructs a Hub. Run must be started before events are observed.
func NewHub(logf func(format string, args ...any)) *Hub {
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{
		connections: make(map[*websocket.Conn]string),
		Register:    make(chan Subscription),
		Unregister:  make(chan *websocket.Conn),
		broadcast:   make(chan message, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
		logf: logf,
	}
}

// Run processes register/unregister/broadcast events until ctx ends, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		case sub := <-h.Register:
			h.mu.Lock()
			h.connections[sub.Conn] = sub.InstanceID
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, filter := range h.connections {
				if filter != "" && filter != msg.instanceID {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients reports the number of registered subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Observe queues ev for broadcast. Events are dropped when the queue is full
// so a slow subscriber never stalls a saga.
func (h *Hub) Observe(ctx context.Context, ev saga.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logf("realtime: encode event %s: %v", ev.InstanceID, err)
		return
	}
	select {
	case h.broadcast <- message{instanceID: ev.InstanceID, payload: payload}:
	case <-ctx.Done():
	default:
		h.logf("realtime: queue full, dropping event for %s", ev.InstanceID)
	}
}

// ServeHTTP upgrades the request and subscribes the connection. The optional
// instanceId query parameter narrows the stream to one instance.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case h.Register <- Subscription{Conn: conn, InstanceID: r.URL.Query().Get("instanceId")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Subscribers only listen; reading detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.Unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}
