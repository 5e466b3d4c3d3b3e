package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TWN-Systems/strix/internal/telemetry"
)

const (
	// clientQueueSize bounds each client's send queue. A consumer that
	// falls this far behind is dropped rather than allowed to stall the
	// tracer's emit path.
	clientQueueSize = 64

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxInboundBytes = 512
)

// feedHello is the first frame on /ws/events: the cursor where live
// delivery begins.
type feedHello struct {
	Type   string `json:"type"`
	Cursor int    `json:"cursor"`
}

// wsClient is one feed connection. The write pump owns the connection's
// write side; the read pump only services control frames.
type wsClient struct {
	conn *websocket.Conn
	send chan telemetry.Event
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan telemetry.Event, clientQueueSize),
		done: make(chan struct{}),
	}
}

// shutdown signals the write pump to close the connection. Safe to call
// more than once.
func (c *wsClient) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		}
	}
}

// readPump drains inbound frames so pings and close handshakes are
// processed. The feed itself is one-way.
func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundBytes)
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

// hub fans tracer events out to connected clients. broadcast runs on the
// tracer's emit path, so it must never block: a client whose queue is full
// is dropped on the spot.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(ev telemetry.Event) {
	h.mu.Lock()
	var dropped []*wsClient
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()
	for _, c := range dropped {
		c.shutdown()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.shutdown()
	}
}
