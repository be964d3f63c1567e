package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often ping frames go out. Must be less
	// than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — CORS belongs to the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveMessage is the JSON envelope broadcast to clients on every tick:
// the current provisional classification of every known session.
type liveMessage struct {
	Event    string                   `json:"event"`
	Sessions []*timing.Classification `json:"sessions"`
}

// Hub manages WebSocket clients and broadcasts the live provisional
// view to all of them every interval. Reads go through the lock-free
// classification snapshots, so broadcasting never contends with the
// feed writer.
//
// Client teardown is signalled through a per-client done channel that
// closes exactly once; the send channel itself is never closed, so the
// broadcaster, the serving goroutine and the shutdown path can all race
// a disconnect without a send-on-closed-channel panic.
type Hub struct {
	reg      *timing.Registry
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	evicted atomic.Int64 // clients dropped for a full send buffer
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	stop sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
}

// shutdown signals the client's pumps to exit. Safe to call from any
// goroutine, any number of times.
func (c *client) shutdown() {
	c.stop.Do(func() { close(c.done) })
}

// offer enqueues a message unless the client is shutting down or its
// buffer is full. Reports whether the message was accepted.
func (c *client) offer(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// NewHub creates a Hub broadcasting reg's sessions every interval.
func NewHub(reg *timing.Registry, interval time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		reg:      reg,
		interval: interval,
		logger:   logger.With("component", "api.hub"),
		clients:  make(map[*client]struct{}),
	}
}

// Run starts the broadcast ticker loop. Blocks until ctx is cancelled,
// then disconnects all active clients.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.shutdown()
			}
			h.mu.Unlock()
			return
		case <-t.C:
			h.broadcast()
		}
	}
}

// ServeHTTP upgrades to WebSocket and serves the client. The current
// view is sent immediately on connect; blocks until the connection
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		return
	}

	c := newClient(conn)
	h.attach(c)
	defer h.detach(c)

	if data, err := h.buildMessage(); err == nil {
		c.offer(data)
	}

	go c.writePump()
	c.readPump() // blocks until connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Evicted returns how many clients have been dropped for falling
// behind the broadcast.
func (h *Hub) Evicted() int64 { return h.evicted.Load() }

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// detach removes the client from the broadcast set and signals its
// pumps. Idempotent: the broadcaster and the serving goroutine may
// both detach the same client.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) broadcast() {
	data, err := h.buildMessage()
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.offer(data) {
			// shutting down, or too slow to keep up — drop it
			h.detach(c)
			h.evicted.Add(1)
		}
	}
}

func (h *Hub) buildMessage() ([]byte, error) {
	keys := h.reg.Keys()
	views := make([]*timing.Classification, 0, len(keys))
	for _, key := range keys {
		if sess, err := h.reg.Get(key); err == nil {
			views = append(views, sess.Current())
		}
	}
	return json.Marshal(liveMessage{Event: "provisional", Sessions: views})
}

// writePump drains the client's send channel onto the connection and
// sends periodic ping frames. Runs in its own goroutine per client;
// exits when the done channel closes or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames (pong, close) and detects
// disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
