// File: internal/bus/relayclient/client.go
package relayclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20
	// Outbound buffer between Send callers and the write pump.
	sendChannelSize = 64
)

// Client is the push channel to the shared relay broker. It registers under
// a role on connect and relies on the broker's offline queue; there is no
// client-side queue. Reconnection is driven exclusively from the close path
// with a fixed delay, so a socket error and its close event cannot schedule
// duplicate timers.
type Client struct {
	addr           string
	role           string
	reconnectDelay time.Duration
	logger         *zap.Logger

	state atomic.Int32

	mu           sync.Mutex
	conn         *websocket.Conn
	send         chan protocol.Envelope
	done         chan struct{}
	handler      bus.Handler
	onDisconnect func(error)
	onConnect    func()
	closed       bool
	retryTimer   *time.Timer
}

// New creates a relay client for the given broker address and role.
func New(addr, role string, reconnectDelay time.Duration, logger *zap.Logger) *Client {
	return &Client{
		addr:           addr,
		role:           role,
		reconnectDelay: reconnectDelay,
		logger:         logger.Named("relay_client").With(zap.String("role", role)),
	}
}

func (c *Client) OnMessage(h bus.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) OnDisconnect(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = f
}

// OnConnect registers a callback fired after a successful (re)registration.
// The transport selector uses it to stop the polling fallback.
func (c *Client) OnConnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = f
}

func (c *Client) IsConnected() bool {
	return bus.ConnState(c.state.Load()) == bus.StateConnected
}

// Connect dials the broker and registers the client's role. A no-op when
// already connected or mid-connect.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(bus.StateDisconnected), int32(bus.StateConnecting)) {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.state.Store(int32(bus.StateDisconnected))
		return bus.ErrNotConnected
	}
	c.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.state.Store(int32(bus.StateDisconnected))
		c.scheduleReconnect()
		return fmt.Errorf("relay dial %s: %w", u.String(), err)
	}

	register := protocol.Envelope{Type: protocol.TypeRegister, Role: c.role}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(register); err != nil {
		conn.Close()
		c.state.Store(int32(bus.StateDisconnected))
		c.scheduleReconnect()
		return fmt.Errorf("relay register: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan protocol.Envelope, sendChannelSize)
	c.done = make(chan struct{})
	onConnect := c.onConnect
	c.mu.Unlock()

	c.state.Store(int32(bus.StateConnected))
	c.logger.Info("Relay channel connected", zap.String("addr", c.addr))

	go c.writePump(conn, c.send, c.done)
	go c.readPump(conn)

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Send enqueues one message for the write pump. On a dead channel it
// attempts one implicit reconnect; only a reconnect failure propagates.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if !c.IsConnected() {
			return bus.ErrNotConnected
		}
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return bus.ErrNotConnected
	}

	select {
	case send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the socket and cancels any pending reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	return nil
}

// Resume retries the connection immediately. The host-side wake timer calls
// this after the process's execution context was suspended; it is a liveness
// nudge, not a correctness requirement.
func (c *Client) Resume(ctx context.Context) {
	if c.IsConnected() {
		return
	}
	if err := c.Connect(ctx); err != nil {
		c.logger.Debug("Resume attempt failed", zap.Error(err))
	}
}

// drop transitions to disconnected exactly once, fires the callback, and
// schedules the single reconnect timer.
func (c *Client) drop(cause error) {
	prev := c.state.Swap(int32(bus.StateDisconnected))
	if bus.ConnState(prev) == bus.StateDisconnected {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.send = nil
	cb := c.onDisconnect
	c.mu.Unlock()

	c.logger.Warn("Relay channel dropped", zap.Error(cause))
	if cb != nil {
		cb(cause)
	}
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.retryTimer != nil {
		return
	}
	c.retryTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Debug("Relay reconnect attempt failed", zap.Error(err))
		}
	})
}

// readPump pumps messages from the socket to the registered handler. Its
// exit is the one close event that drives reconnection.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.drop(nil)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Read and decode separately: only a socket-level failure ends the
		// pump. A corrupt payload is a protocol error, logged and dropped
		// with the channel left open.
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Relay read error", zap.Error(err))
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed relay message",
				zap.Int("bytes", len(data)),
				zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypeRegistered:
			c.logger.Debug("Relay registration acknowledged")
		case protocol.TypeError:
			c.logger.Error("Relay reported error", zap.String("error", env.Error))
		default:
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(env)
			}
		}
	}
}

// writePump pumps queued messages to the socket and keeps the connection
// alive with pings. Write errors just close the socket; the read pump's
// exit handles the rest.
func (c *Client) writePump(conn *websocket.Conn, send <-chan protocol.Envelope, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
