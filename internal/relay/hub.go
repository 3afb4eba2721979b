// Package relay fans chat events out to connected websocket clients.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/events"
	"github.com/matheus3301/wprelay/internal/metrics"
)

const defaultClientBuffer = 64

// Hub keeps the registry of push clients and broadcasts every chat event on
// the bus to all of them. A client that cannot keep up is disconnected
// rather than slowing down the others.
type Hub struct {
	bus          *bus.Bus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	buffer       int
	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. buffer is the per-client outbound queue length.
func NewHub(b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, buffer int, pingInterval time.Duration) *Hub {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &Hub{
		bus:          b,
		metrics:      m,
		logger:       logger.Named("relay"),
		buffer:       buffer,
		pingInterval: pingInterval,
		clients:      make(map[string]*Client),
	}
}

// Start subscribes to the chat namespace and begins broadcasting.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	ch, unsub := h.bus.Subscribe(events.Namespace, 256)
	h.unsub = unsub

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				h.Broadcast(evt)
			}
		}
	}()
}

// Stop ends the broadcast loop and disconnects every client.
func (h *Hub) Stop() {
	if h.unsub != nil {
		h.unsub()
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
	h.metrics.RelayClients.Set(0)
}

// Broadcast encodes evt in wire form and queues it for every client. Events
// outside the chat vocabulary are ignored.
func (h *Hub) Broadcast(evt bus.Event) int {
	name, ok := events.WireName(evt.Kind)
	if !ok {
		return 0
	}
	data, err := json.Marshal(events.Envelope{Event: name, Data: evt.Payload})
	if err != nil {
		h.logger.Error("encode event", zap.String("event", name), zap.Error(err))
		return 0
	}
	h.metrics.RelayEvents.WithLabelValues(name).Inc()

	var slow []*Client
	sent := 0
	h.mu.RLock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			h.metrics.RelayDropped.Inc()
			h.logger.Warn("dropping slow client", zap.String("client", c.ID))
		}
	}
	return sent
}

// Register adds conn to the registry. The caller runs Serve or drives the
// pumps itself.
func (h *Hub) Register(conn Conn) *Client {
	c := &Client{ID: uuid.NewString(), conn: conn, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.RelayClients.Set(float64(n))
	h.logger.Debug("client connected", zap.String("client", c.ID), zap.Int("clients", n))
	return c
}

// Unregister removes c. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	if h.remove(c) {
		h.logger.Debug("client disconnected", zap.String("client", c.ID))
	}
}

func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.clients, c.ID)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.RelayClients.Set(float64(n))
	return true
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve runs a connection until the peer disconnects or the hub drops it.
func (h *Hub) Serve(conn Conn) {
	c := h.Register(conn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump(h.pingInterval)
	}()
	c.readPump()
	h.Unregister(c)
	<-done
}

// Upgrade rejects non-websocket requests on the push route.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler returns the fiber handler for the push route.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		h.Serve(conn)
	})
}
