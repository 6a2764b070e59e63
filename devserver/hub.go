package devserver

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pasargamex/chatsync"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

// conn is one authenticated socket.
type conn struct {
	hub  *hub
	ws   *websocket.Conn
	user chatsync.UserRef
	send chan []byte
	once sync.Once
}

// hub tracks the sockets of every connected user.
type hub struct {
	mu      sync.RWMutex
	clients map[string][]*conn
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{clients: make(map[string][]*conn), logger: logger}
}

// register adds c and reports whether it is the user's first socket.
func (h *hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := len(h.clients[c.user.ID]) == 0
	h.clients[c.user.ID] = append(h.clients[c.user.ID], c)
	return first
}

// unregister removes c and reports whether the user has no sockets left.
func (h *hub) unregister(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.clients[c.user.ID]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.clients, c.user.ID)
		return true
	}
	h.clients[c.user.ID] = list
	return false
}

func (h *hub) online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *hub) isOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func frame(event string, payload any) []byte {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(chatsync.Envelope{Type: event, Payload: raw})
	return data
}

// sendTo queues a frame for every socket of the given users.
func (h *hub) sendTo(userIDs []string, event string, payload any) {
	data := frame(event, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range userIDs {
		for _, c := range h.clients[id] {
			c.queue(data)
		}
	}
}

// broadcastExcept queues a frame for every connected user but one.
func (h *hub) broadcastExcept(userID, event string, payload any) {
	data := frame(event, payload)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, list := range h.clients {
		if id == userID {
			continue
		}
		for _, c := range list {
			c.queue(data)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.RLock()
	var all []*conn
	for _, list := range h.clients {
		all = append(all, list...)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.ws.Close()
	}
}

// queue drops the frame when the peer is too slow to keep up. It must not
// be called after close.
func (c *conn) queue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("dropping frame for slow client", "user_id", c.user.ID)
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.send) })
}

// writePump is the only writer of c.ws.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump is the only reader of c.ws. handle is called for each frame.
func (c *conn) readPump(handle func(c *conn, env chatsync.Envelope)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("socket read failed", "user_id", c.user.ID, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env chatsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.hub.logger.Warn("could not process frame", "user_id", c.user.ID, "error", err)
			continue
		}
		handle(c, env)
	}
}
