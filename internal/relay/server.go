// File: internal/relay/server.go
package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The broker only ever listens on localhost; peers are local processes,
	// not browsers, so origin checking buys nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is the middleman between one websocket connection and the hub.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	role string
	send chan protocol.Envelope
}

// trySend queues an envelope for the write pump, dropping the peer if its
// buffer is saturated. Returns false once the peer is gone.
func (c *client) trySend(env protocol.Envelope) bool {
	defer func() { recover() }() // send channel may close under us
	select {
	case c.send <- env:
		return true
	default:
		c.hub.logger.Warn("Peer send buffer full, dropping connection",
			zap.String("role", c.role))
		// Unregister asynchronously: trySend may be running inside the hub
		// loop itself, and the unregister channel is unbuffered.
		go func() {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}()
		return false
	}
}

// readPump pumps messages from the socket into the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Decode errors are not close errors: a peer that sends one corrupt
		// payload loses that message, not its connection.
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("Peer read error", zap.String("role", c.role), zap.Error(err))
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.hub.logger.Warn("Dropping malformed peer message",
				zap.String("role", c.role),
				zap.Int("bytes", len(data)),
				zap.Error(err))
			continue
		}
		select {
		case c.hub.broadcast <- inbound{env: env, from: c.role}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps hub messages to the socket and keeps it alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
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

// Server is the always-on broker process controllers and the agent register
// with. It owns the hub and the HTTP listener.
type Server struct {
	hub    *Hub
	addr   string
	logger *zap.Logger
}

// NewServer creates a broker listening on addr.
func NewServer(addr string, queueSize int, logger *zap.Logger) *Server {
	return &Server{
		hub:    NewHub(queueSize, logger),
		addr:   addr,
		logger: logger.Named("relay_server"),
	}
}

// Hub exposes the hub for tests.
func (s *Server) Hub() *Hub { return s.hub }

// handleWS upgrades one connection and completes the register handshake:
// the first client message must be {"type":"register","role":...}.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	var reg protocol.Envelope
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != protocol.TypeRegister || reg.Role == "" {
		conn.WriteJSON(protocol.Envelope{Type: protocol.TypeError, Error: "first message must register a role"})
		conn.Close()
		return
	}

	c := &client{
		hub:  s.hub,
		conn: conn,
		role: reg.Role,
		send: make(chan protocol.Envelope, sendBuffer),
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeRegistered}); err != nil {
		conn.Close()
		return
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: s.addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Relay broker listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
