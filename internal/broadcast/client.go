package broadcast

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
)

const (
	clientSendBuffer = 256
	maxMessageSize   = 4096

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one WebSocket subscriber. The read pump parses control events;
// the write pump drains the send buffer and keeps the connection alive.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send      chan []byte
	quit      chan struct{}
	closeOnce sync.Once

	mu  sync.RWMutex
	sub model.Subscription
}

// ID implements Subscriber.
func (c *Client) ID() string { return c.id }

// Filter implements Subscriber.
func (c *Client) Filter() model.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub.Clone()
}

// Deliver implements Subscriber. A full send buffer marks the client as a
// slow consumer and drops it.
func (c *Client) Deliver(event string, frame []byte) {
	select {
	case <-c.quit:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		c.hub.metrics.ClientDropped()
		log.Warn().Str("client", c.id).Str("event", event).Msg("Dropping slow client")
		c.close()
		c.hub.requestDrop(c)
	}
}

// close makes the pumps wind down; safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.requestDrop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("client", c.id).Msg("Client read failed")
			}
			return
		}
		c.handleEvent(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// handleEvent applies one inbound control event. Malformed events are
// rejected without touching the connection.
func (c *Client) handleEvent(data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("client", c.id).Msg("Rejecting malformed client frame")
		return
	}

	switch env.Event {
	case model.EventSubscribeSymbols:
		names, ok := c.stringList(env)
		if !ok {
			return
		}
		c.mu.Lock()
		c.sub.Symbols = make(map[string]struct{}, len(names))
		for _, raw := range names {
			c.sub.Symbols[c.hub.normalizer.Normalize(raw)] = struct{}{}
		}
		c.mu.Unlock()
		log.Debug().Str("client", c.id).Strs("symbols", names).Msg("Symbol subscription replaced")

	case model.EventUnsubscribeSymbols:
		names, ok := c.stringList(env)
		if !ok {
			return
		}
		c.mu.Lock()
		for _, raw := range names {
			delete(c.sub.Symbols, c.hub.normalizer.Normalize(raw))
		}
		c.mu.Unlock()

	case model.EventSubscribeExchanges:
		names, ok := c.stringList(env)
		if !ok {
			return
		}
		c.mu.Lock()
		c.sub.Venues = make(map[string]struct{}, len(names))
		for _, raw := range names {
			c.sub.Venues[strings.ToLower(strings.TrimSpace(raw))] = struct{}{}
		}
		c.mu.Unlock()
		log.Debug().Str("client", c.id).Strs("exchanges", names).Msg("Exchange subscription replaced")

	case model.EventConfigUpdate:
		var update model.ConfigUpdate
		if err := json.Unmarshal(env.Data, &update); err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("Rejecting malformed config update")
			return
		}
		c.hub.config.UpdateConfig(update)

	default:
		log.Warn().Str("client", c.id).Str("event", env.Event).Msg("Rejecting unknown client event")
	}
}

func (c *Client) stringList(env model.Envelope) ([]string, bool) {
	var names []string
	if err := json.Unmarshal(env.Data, &names); err != nil {
		log.Warn().Err(err).Str("client", c.id).Str("event", env.Event).Msg("Rejecting malformed event payload")
		return nil, false
	}
	return names, true
}
