package broadcast

import (
	"context"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/symbols"
)

// ConfigSink receives threshold updates pushed by clients.
type ConfigSink interface {
	UpdateConfig(model.ConfigUpdate)
}

// Hub owns the WebSocket client set. Clients register on upgrade and are
// attached to the broadcaster until their connection dies or they fall too
// far behind.
type Hub struct {
	broadcaster *Broadcaster
	config      ConfigSink
	normalizer  *symbols.Normalizer
	metrics     *metrics.MetricsRegistry

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	clients map[*Client]struct{}
}

// NewHub builds the hub. Run must be started before serving connections.
func NewHub(b *Broadcaster, config ConfigSink, norm *symbols.Normalizer, m *metrics.MetricsRegistry) *Hub {
	return &Hub{
		broadcaster: b,
		config:      config,
		normalizer:  norm,
		metrics:     m,
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		done:        make(chan struct{}),
		clients:     make(map[*Client]struct{}),
	}
}

// Run processes client lifecycle events until ctx is done, then closes
// every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.broadcaster.Attach(c)
			h.metrics.ClientConnected()
			log.Info().Str("client", c.id).Int("clients", len(h.clients)).Msg("Client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.broadcaster.Detach(c.id)
			c.close()
			h.metrics.ClientDisconnected()
			log.Info().Str("client", c.id).Int("clients", len(h.clients)).Msg("Client disconnected")
		}
	}
}

// ServeConn adopts an upgraded connection: registers a client and starts
// its pumps.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		quit: make(chan struct{}),
		sub:  model.NewSubscription(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// requestDrop queues a client for removal without blocking the caller.
func (h *Hub) requestDrop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	default:
		go func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.broadcaster.Detach(c.id)
		c.close()
		c.conn.Close()
		h.metrics.ClientDisconnected()
	}
	h.clients = make(map[*Client]struct{})
}
