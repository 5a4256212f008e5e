package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// client is one websocket connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

type delivery struct {
	to   *client
	data []byte
}

// hub fans pushed messages out to every connected client. Only run touches
// the client set and closes send channels.
type hub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	unicast    chan delivery
	register   chan *client
	unregister chan *client
	done       chan struct{}
	logger     *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, sendBuffer),
		unicast:    make(chan delivery, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// run owns the client set until ctx ends.
func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("bridge client registered",
				zap.String("remote", c.conn.RemoteAddr().String()),
				zap.Int("clients", len(h.clients)),
			)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Debug("bridge client unregistered", zap.Int("clients", len(h.clients)))
			}

		case d := <-h.unicast:
			if _, ok := h.clients[d.to]; ok {
				h.deliver(d.to, d.data)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, msg)
			}
		}
	}
}

func (h *hub) deliver(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow reader.
		close(c.send)
		delete(h.clients, c)
	}
}

// join registers c unless the hub has stopped.
func (h *hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// publish queues msg for every client without blocking the caller.
func (h *hub) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("bridge message not encoded", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("bridge broadcast dropped", zap.String("type", msg.Type))
	}
}

// reply queues msg for a single client.
func (h *hub) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("bridge message not encoded", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.unicast <- delivery{to: c, data: data}:
	case <-h.done:
	}
}

func (c *client) readPump(h *hub, handle func(*client, Command)) {
	defer func() {
		h.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("bridge read failed", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("bridge command not decoded", zap.Error(err))
			h.reply(c, errorMessage("", "malformed command"))
			continue
		}
		handle(c, cmd)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
