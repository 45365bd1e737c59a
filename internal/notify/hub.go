// Package notify pushes task events to websocket clients.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carbonetes/mltaskd/internal/core"
	"github.com/carbonetes/mltaskd/internal/telemetry"
	"github.com/carbonetes/mltaskd/pkg/api"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub fans task events out to every attached client. Delivery is best
// effort: a client whose buffer is full misses the event.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int
	now      func() time.Time
	encode   func(any) ([]byte, error)

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() { c.once.Do(func() { close(c.done) }) }

// NewHub returns a hub with a per-client buffer of size buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		now:     time.Now,
		encode:  json.Marshal,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and attaches the client. The first message
// is always a connected event.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	hello, err := h.encode(api.Event{Type: api.EventConnected, ID: c.id, Time: h.now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("client", c.id).Msg("encode connected event")
		_ = conn.Close()
		return
	}
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	telemetry.GaugeGlobal("mltaskd_ws_clients", float64(n), map[string]string{"component": "notify"})
	log.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("websocket client attached")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop drains client frames until the connection ends.
func (h *Hub) readLoop(c *client) {
	defer h.detach(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.stop()
	if ok {
		telemetry.GaugeGlobal("mltaskd_ws_clients", float64(n), map[string]string{"component": "notify"})
		log.Info().Str("client", c.id).Msg("websocket client detached")
	}
}

// PublishTask broadcasts the current state of t.
func (h *Hub) PublishTask(t core.Task) {
	v := t.View()
	msg, err := h.encode(api.Event{Type: api.EventTask, ID: t.ID, Time: h.now().UTC(), Task: &v})
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("encode task event")
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			telemetry.CounterGlobal("mltaskd_ws_dropped", 1, map[string]string{"component": "notify"})
			log.Warn().Str("client", c.id).Msg("websocket client too slow, event dropped")
		}
	}
}

// Clients reports the number of attached clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}
