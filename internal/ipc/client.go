package ipc

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var clientIDCounter atomic.Uint64

// client holds one UI connection. Outgoing events sit in a latest-value
// queue: one slot per event type, so a slow reader receives the newest
// snapshot or progress instead of a backlog of stale ones.
type client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]Message
	order   []string
	kick    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	return &client{
		id:      clientIDCounter.Add(1),
		hub:     hub,
		conn:    conn,
		pending: make(map[string]Message),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// queue stores msg as the latest value of its type and wakes the write
// pump. It never blocks.
func (c *client) queue(msg Message) {
	c.mu.Lock()
	if _, exists := c.pending[msg.Type]; !exists {
		c.order = append(c.order, msg.Type)
	}
	c.pending[msg.Type] = msg
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *client) pop() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return Message{}, false
	}
	t := c.order[0]
	c.order = c.order[1:]
	msg := c.pending[t]
	delete(c.pending, t)
	return msg, true
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) queueError(command string, err error) {
	payload, merr := json.Marshal(errorPayload{Message: err.Error(), Command: command})
	if merr != nil {
		return
	}
	c.queue(Message{Type: EventError, Payload: payload})
}

// readPump validates incoming commands and forwards them to the dispatcher.
// Unknown or malformed input produces an error event for this client only.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("ipc client read ended", "client", c.id, "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queueError("", errMalformed)
			continue
		}
		if !KnownCommand(msg.Type) {
			c.queueError(msg.Type, errUnknownCommand(msg.Type))
			continue
		}
		if err := c.hub.dispatcher.Dispatch(c.hub.baseContext(), msg.Type); err != nil {
			c.queueError(msg.Type, err)
		}
	}
}

// writePump drains the latest-value queue to the connection and keeps the
// websocket alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.kick:
			for {
				msg, ok := c.pop()
				if !ok {
					break
				}
				data, err := json.Marshal(msg)
				if err != nil {
					slog.Warn("ipc event marshal failed", "type", msg.Type, "error", err)
					continue
				}
				if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}
