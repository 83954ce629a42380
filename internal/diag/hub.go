package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"espzb/internal/stack"
)

// clientQueueDepth bounds each subscriber's outbound queue. A subscriber
// whose queue fills is evicted rather than allowed to stall the bus.
const clientQueueDepth = 64

// Hub streams stack events to WebSocket subscribers. It hangs directly
// off the stack's event bus: each event is encoded once and fanned out
// to every subscriber's queue. The bus delivers events one at a time,
// so the hub needs no goroutine of its own.
type Hub struct {
	logger *slog.Logger
	unsub  func()

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	conn  *websocket.Conn
	queue chan []byte
}

// NewHub creates an empty hub; Attach connects it to an event bus.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// Attach subscribes the hub to the bus. Stop detaches it.
func (h *Hub) Attach(bus *stack.EventBus) {
	h.unsub = bus.OnAll(h.publish)
}

// publish runs on the bus's emitting goroutine and must not block.
func (h *Hub) publish(ev stack.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws encode event", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.queue <- data:
		default:
			delete(h.clients, client)
			close(client.queue)
			h.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// add registers a subscriber. Returns false once the hub is stopped.
func (h *Hub) add(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

// remove drops a subscriber and closes its queue so the write pump
// exits. Removing a client the hub no longer owns is a no-op.
func (h *Hub) remove(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.queue)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// Stop detaches from the bus and closes every subscriber queue. Safe to
// call multiple times.
func (h *Hub) Stop() {
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.queue)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &hubClient{
		conn:  conn,
		queue: make(chan []byte, clientQueueDepth),
	}
	if !s.hub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.hub.remove(client)

	go client.writePump()

	// Subscribers only listen; reading just detects the disconnect.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	for msg := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}
