package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
)

// hub owns the WebSocket client registry. Registration, removal, and
// broadcasts all funnel through its run loop, so the registry has a single
// writer and broadcast frames reach clients in publish order.
type hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	// done unblocks Register/Unregister/Broadcast once the run loop has
	// exited, so late pump teardown cannot hang.
	done chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool

	logger *logger.Logger
}

func newHub(log *logger.Logger) *hub {
	return &hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

func (h *hub) run(ctx context.Context) {
	h.logger.Debug("hub started")
	defer h.logger.Debug("hub stopped")

	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", c.id))
		case c := <-h.unregister:
			h.remove(c)
		case frame := <-h.broadcast:
			h.fanOut(frame)
		}
	}
}

// Register hands a new connection to the run loop.
func (h *hub) Register(c *client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a connection; safe to call more than once per client.
func (h *hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues a frame for delivery to every authenticated client.
func (h *hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// fanOut delivers one frame to every authenticated client. A client whose
// send buffer is full is dropped rather than allowed to stall the rest.
func (h *hub) fanOut(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.authed.Load() {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping slow client", zap.String("client_id", c.id))
			h.detachLocked(c)
		}
	}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(c)
	h.logger.Debug("client unregistered", zap.String("client_id", c.id))
}

// detachLocked drops a client from the registry and releases its write
// pump. Callers hold h.mu; the map check keeps the channel close single.
func (h *hub) detachLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
