package ipc

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/loykin/vigil/internal/metrics"
)

// Hub accepts UI connections, replays the current snapshot to each new
// client, and fans published events out to every connected client through
// their latest-value queues.
type Hub struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	register   chan *client
	unregister chan *client

	mu           sync.RWMutex
	clients      map[*client]bool
	lastSnapshot *Message
	baseCtx      context.Context
}

func NewHub(dispatcher Dispatcher) *Hub {
	return &Hub{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The server binds loopback for a local UI; origin checks
			// would only reject the desktop shell's file: pages.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// Run owns the client set until ctx ends, then closes every connection.
// Commands are dispatched under this ctx, not the (hijacked) request
// context, which dies as soon as the upgrade handler returns.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SetIPCClients(n)
			slog.Info("ipc client connected", "client", c.id, "total", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.SetIPCClients(n)
			slog.Info("ipc client disconnected", "client", c.id, "total", n)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.SetIPCClients(0)
	if n > 0 {
		slog.Info("closed all ipc clients", "count", n)
	}
}

// Publish sends an event to every connected client. The payload is
// marshaled once; snapshots are additionally retained for replay to clients
// that connect later. Publish never blocks on slow clients.
func (h *Hub) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("ipc publish marshal failed", "type", eventType, "error", err)
		return
	}
	msg := Message{Type: eventType, Payload: data}

	h.mu.Lock()
	if eventType == EventSnapshot {
		snap := msg
		h.lastSnapshot = &snap
	}
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.queue(msg)
	}
}

// ClientCount returns the number of connected UI clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.baseCtx != nil {
		return h.baseCtx
	}
	return context.Background()
}

// ServeWS upgrades an HTTP request to a UI connection. The new client
// immediately receives the current snapshot, if one has been published.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ipc upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn)

	h.mu.RLock()
	snap := h.lastSnapshot
	h.mu.RUnlock()
	if snap != nil {
		c.queue(*snap)
	}

	h.register <- c
	c.start()
}
