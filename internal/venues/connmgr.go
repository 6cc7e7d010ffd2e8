package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
)

const (
	handshakeTimeout = 30 * time.Second
	pingInterval     = 30 * time.Second
	writeTimeout     = 5 * time.Second

	reconnectBase     = 1 * time.Second
	reconnectCap      = 30 * time.Second
	reconnectCooldown = 60 * time.Second
)

// Hooks supply the venue-specific protocol to a ConnManager. OnConnect runs
// after every successful handshake and sends the venue's subscriptions.
// OnMessage parses one inbound frame; a returned error means the frame was
// malformed and is dropped without touching the connection.
type Hooks struct {
	OnConnect func(ctx context.Context) error
	OnMessage func(data []byte) error
}

// ConnManager drives one resilient WebSocket connection: dial, subscribe,
// watchdog reads, keep-alive pings, and reconnection with capped
// exponential backoff. Every state transition is published to the sink.
type ConnManager struct {
	venue       string
	url         string
	watchdog    time.Duration
	maxAttempts int
	sink        Sink
	hooks       Hooks

	mu    sync.Mutex
	conn  *websocket.Conn
	state model.VenueState

	startOnce sync.Once
	stopOnce  sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewConnManager wires a manager for one venue connection. Hooks must be
// fully populated before Start.
func NewConnManager(s Settings, hooks Hooks) *ConnManager {
	return &ConnManager{
		venue:       s.Venue,
		url:         s.WSURL,
		watchdog:    s.WatchdogInterval,
		maxAttempts: s.MaxReconnectAttempts,
		sink:        s.Sink,
		hooks:       hooks,
		closeCh:     make(chan struct{}),
	}
}

// Start launches the connect/read/reconnect loop.
func (m *ConnManager) Start(ctx context.Context) error {
	if m.url == "" {
		return fmt.Errorf("%s: websocket URL not configured", m.venue)
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run(ctx)
	})
	return nil
}

// Stop closes the transport and waits for the loops to exit, bounded by ctx.
func (m *ConnManager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.closeCh) })
	m.closeConn()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Str("venue", m.venue).Msg("Abandoning websocket loops at shutdown deadline")
		return ctx.Err()
	}
}

// Send marshals v and writes it as a text frame. Safe for concurrent use.
func (m *ConnManager) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("%s: not connected", m.venue)
	}
	m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *ConnManager) run(ctx context.Context) {
	defer m.wg.Done()

	attempts := 0
	for {
		if m.stopping(ctx) {
			m.setState(model.StateClosed, nil)
			return
		}

		m.setState(model.StateConnecting, nil)
		conn, err := m.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", m.venue).Msg("Websocket dial failed")
			m.setState(model.StateClosed, err)
			if !m.sleepBackoff(ctx, &attempts) {
				return
			}
			continue
		}

		m.setConn(conn)
		m.setState(model.StateOpen, nil)

		if err := m.hooks.OnConnect(ctx); err != nil {
			log.Warn().Err(err).Str("venue", m.venue).Msg("Subscribe after connect failed")
			m.dropConnection(err)
			if !m.sleepBackoff(ctx, &attempts) {
				return
			}
			continue
		}
		attempts = 0

		err = m.serveConnection(ctx, conn)
		if m.stopping(ctx) {
			m.closeConn()
			m.setState(model.StateClosed, nil)
			return
		}
		log.Warn().Err(err).Str("venue", m.venue).Msg("Websocket connection lost")
		m.dropConnection(err)
		if !m.sleepBackoff(ctx, &attempts) {
			return
		}
	}
}

// serveConnection pumps inbound frames until the connection dies. A ping
// writer runs alongside and shares the connection's lifetime.
func (m *ConnManager) serveConnection(ctx context.Context, conn *websocket.Conn) error {
	connDone := make(chan struct{})
	defer close(connDone)

	m.wg.Add(1)
	go m.pingLoop(conn, connDone)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.watchdog))
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closeCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(m.watchdog))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return fmt.Errorf("watchdog: no frame within %s", m.watchdog)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := m.hooks.OnMessage(data); err != nil {
			log.Warn().Err(err).Str("venue", m.venue).Msg("Dropping malformed frame")
		}
	}
}

func (m *ConnManager) pingLoop(conn *websocket.Conn, connDone chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("venue", m.venue).Msg("Websocket ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (m *ConnManager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.url, err)
	}
	return conn, nil
}

// dropConnection publishes the degraded transition, tears the transport
// down, and publishes closed.
func (m *ConnManager) dropConnection(cause error) {
	m.setState(model.StateDegraded, cause)
	m.closeConn()
	m.setState(model.StateClosed, cause)
}

// sleepBackoff waits the capped exponential delay for the next attempt,
// switching to the extended cool-down after maxAttempts consecutive
// failures. It returns false when interrupted by shutdown.
func (m *ConnManager) sleepBackoff(ctx context.Context, attempts *int) bool {
	*attempts++
	var delay time.Duration
	if *attempts >= m.maxAttempts {
		delay = reconnectCooldown
		*attempts = 0
		log.Warn().Str("venue", m.venue).Dur("cooldown", delay).Msg("Reconnect attempts exhausted, entering cool-down")
	} else {
		delay = backoffDelay(*attempts)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.closeCh:
		return false
	case <-timer.C:
		return true
	}
}

func (m *ConnManager) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *ConnManager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *ConnManager) closeConn() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

// setState publishes a transition to the sink. Repeats of the current state
// are suppressed so retry loops do not spam subscribers.
func (m *ConnManager) setState(state model.VenueState, cause error) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	ev := model.StateEvent{Venue: m.venue, State: state, At: time.Now()}
	if cause != nil {
		ev.Err = cause.Error()
	}
	m.sink.State(ev)
}

// backoffDelay returns the jittered delay before reconnect attempt n
// (n >= 1): full exponential growth from the base, capped, with jitter in
// the upper half of the window.
func backoffDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectCap {
			d = reconnectCap
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
