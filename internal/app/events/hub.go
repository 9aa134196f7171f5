package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/marketplace_layer/internal/app/system"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/httputil"
	"github.com/R3E-Network/marketplace_layer/internal/middleware"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32
)

// Hub fans events out to websocket subscribers. Slow subscribers lose
// events rather than blocking publishers.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn    *websocket.Conn
	address string
	jobID   string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

var _ Publisher = (*Hub)(nil)
var _ system.Service = (*Hub)(nil)

// NewHub returns an empty hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(*http.Request) bool, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events")
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "events-hub" }

func (h *Hub) Start(context.Context) error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
	return nil
}

// Stop disconnects every subscriber.
func (h *Hub) Stop(context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues evt for every matching subscriber.
func (h *Hub) Publish(_ context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).Warn("encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !evt.For(c.address) || (c.jobID != "" && c.jobID != evt.JobID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.WithField("address", c.address).WithField("event", evt.Type).Warn("subscriber too slow; event dropped")
		}
	}
}

// ServeHTTP upgrades the request and streams the authenticated caller's
// events until the peer leaves. The optional job_id query parameter narrows
// the stream further.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := middleware.Caller(r.Context())
	if address == "" {
		httputil.WriteError(w, errors.InvalidToken(nil).WithDetails("reason", "event feed requires an authenticated caller"))
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "event feed stopped", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{
		conn:    conn,
		address: address,
		jobID:   r.URL.Query().Get("job_id"),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("address", c.address).Debug("subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readLoop only exists to observe pongs and the peer closing.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
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
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}
