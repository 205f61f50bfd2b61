package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/model"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBufSize = 256
)

// client is one websocket connection bound to a session.
type client struct {
	sessionID  string
	documentID string
	conn       *websocket.Conn
	send       chan []byte
	once       sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub routes events to the websocket connections of their sessions. It
// implements events.Sink.
type Hub struct {
	log *logging.Logger

	mu    sync.RWMutex
	conns map[string]*client            // session -> client
	docs  map[string]map[string]*client // document -> session -> client
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		log:   log.WithFields(map[string]any{"component": "hub"}),
		conns: make(map[string]*client),
		docs:  make(map[string]map[string]*client),
	}
}

// register binds c to its session, replacing an earlier connection.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[c.sessionID]; ok {
		h.removeLocked(old)
		old.close()
	}
	h.conns[c.sessionID] = c
	if h.docs[c.documentID] == nil {
		h.docs[c.documentID] = make(map[string]*client)
	}
	h.docs[c.documentID][c.sessionID] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.sessionID]; ok && cur == c {
		h.removeLocked(c)
	}
	c.close()
}

func (h *Hub) removeLocked(c *client) {
	delete(h.conns, c.sessionID)
	if m := h.docs[c.documentID]; m != nil {
		delete(m, c.sessionID)
		if len(m) == 0 {
			delete(h.docs, c.documentID)
		}
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Emit delivers e to the addressed session, or to every connection on the
// document when e is unaddressed. Slow connections are dropped.
func (h *Hub) Emit(e model.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.log.ErrorErr("marshal event", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*client
	if e.SessionID != "" {
		if c, ok := h.conns[e.SessionID]; ok {
			targets = append(targets, c)
		}
	} else {
		for _, c := range h.docs[e.DocumentID] {
			targets = append(targets, c)
		}
	}

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("event queue full, closing connection", map[string]any{"session_id": c.sessionID})
			h.removeLocked(c)
			c.close()
			continue
		}
		if e.Type == model.EventSessionEnded && e.SessionID == c.sessionID {
			h.removeLocked(c)
			c.close()
		}
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		h.removeLocked(c)
		c.close()
	}
}

// readPump consumes client frames until the connection fails. Any frame
// counts as activity.
func (h *Hub) readPump(c *client, onActivity func()) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		onActivity()
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		onActivity()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
