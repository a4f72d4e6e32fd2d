// File: internal/bus/relayclient/client_test.go
package relayclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBroker stands in for the relay: it completes the register handshake
// and exposes the accepted connections to the test.
type fakeBroker struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	roles    []string
	received chan protocol.Envelope
}

func newFakeBroker(t *testing.T) (*fakeBroker, string) {
	t.Helper()
	b := &fakeBroker{received: make(chan protocol.Envelope, 64)}

	ts := httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(func() {
		b.closeAll()
		ts.Close()
	})
	return b, strings.TrimPrefix(ts.URL, "http://")
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var reg protocol.Envelope
	if err := conn.ReadJSON(&reg); err != nil || reg.Type != protocol.TypeRegister {
		conn.Close()
		return
	}
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeRegistered}); err != nil {
		conn.Close()
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.roles = append(b.roles, reg.Role)
	b.mu.Unlock()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		b.received <- env
	}
}

func (b *fakeBroker) registrations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.roles...)
}

func (b *fakeBroker) latestConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		conn.Close()
	}
}

func TestClientRegistersAndSends(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "agent", time.Hour, zaptest.NewLogger(t))

	connected := make(chan struct{}, 1)
	c.OnConnect(func() { connected <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect callback never fired")
	}
	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"agent"}, broker.registrations())

	require.NoError(t, c.Send(context.Background(), protocol.Envelope{
		ID: "e1", Type: protocol.EvtTaskUpdate, SessionID: "s1",
	}))

	select {
	case env := <-broker.received:
		assert.Equal(t, "e1", env.ID)
		assert.Equal(t, protocol.EvtTaskUpdate, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("broker never received the send")
	}
}

func TestClientDeliversInboundAndFiltersControlFrames(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "controller", time.Hour, zaptest.NewLogger(t))

	received := make(chan protocol.Envelope, 4)
	c.OnMessage(func(env protocol.Envelope) { received <- env })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn := broker.latestConn()
	require.NotNil(t, conn)

	// Control frames are the client's business, not the consumer's.
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeError, Error: "noise"}))
	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: "cmd1", Type: protocol.CmdStartTask}))

	select {
	case env := <-received:
		assert.Equal(t, "cmd1", env.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound command never reached the handler")
	}
	assert.Empty(t, received)
}

func TestClientSurvivesMalformedInboundFrame(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "controller", time.Hour, zaptest.NewLogger(t))

	received := make(chan protocol.Envelope, 4)
	c.OnMessage(func(env protocol.Envelope) { received <- env })
	var drops atomic.Int32
	c.OnDisconnect(func(error) { drops.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn := broker.latestConn()
	require.NotNil(t, conn)

	// One garbage frame must not tear the channel down.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{this is not json")))
	require.NoError(t, conn.WriteJSON(protocol.Envelope{ID: "cmd1", Type: protocol.CmdStartTask}))

	select {
	case env := <-received:
		assert.Equal(t, "cmd1", env.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("command after the garbage frame never arrived")
	}
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(0), drops.Load())
	assert.Equal(t, []string{"controller"}, broker.registrations())
}

func TestClientReconnectsAfterBrokerDrop(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "agent", 20*time.Millisecond, zaptest.NewLogger(t))

	var drops atomic.Int32
	c.OnDisconnect(func(error) { drops.Add(1) })

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	broker.latestConn().Close()

	require.Eventually(t, func() bool {
		return len(broker.registrations()) == 2 && c.IsConnected()
	}, 2*time.Second, 10*time.Millisecond, "client never re-registered")
	assert.Equal(t, int32(1), drops.Load())
}

func TestClientDisconnectStopsReconnection(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "agent", 10*time.Millisecond, zaptest.NewLogger(t))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	require.Eventually(t, func() bool {
		return !c.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	// No retry timer may sneak a new registration in after a clean shutdown.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"agent"}, broker.registrations())
	assert.ErrorIs(t, c.Send(context.Background(), protocol.Envelope{Type: protocol.EvtTaskUpdate}),
		bus.ErrNotConnected)
}

func TestClientConnectIdempotent(t *testing.T) {
	broker, addr := newFakeBroker(t)
	c := New(addr, "agent", time.Hour, zaptest.NewLogger(t))

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"agent"}, broker.registrations())
}

func TestClientConnectFailureSchedulesRetry(t *testing.T) {
	c := New("127.0.0.1:1", "agent", time.Hour, zaptest.NewLogger(t))
	defer c.Disconnect()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.IsConnected())
}
