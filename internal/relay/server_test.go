// File: internal/relay/server_test.go
package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/relayforge/agentbus/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestBroker runs a hub behind an httptest listener and returns a dialer
// URL. Cleanup stops the hub and waits for it to wind down.
func newTestBroker(t *testing.T, queueSize int) (*Server, string) {
	t.Helper()
	srv := NewServer("127.0.0.1:0", queueSize, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		srv.hub.Run(ctx)
	}()

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(func() {
		cancel()
		<-hubDone
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dialRole connects a peer and completes the register handshake.
func dialRole(t *testing.T, url, role string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeRegister, Role: role}))
	var ack protocol.Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, protocol.TypeRegistered, ack.Type)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestBrokerFanOutBetweenRoles(t *testing.T) {
	_, url := newTestBroker(t, 16)
	agent := dialRole(t, url, "agent")
	controller := dialRole(t, url, "controller")

	// Controller to agent, by the point-to-point default.
	require.NoError(t, controller.WriteJSON(protocol.Envelope{
		ID: "c1", Type: protocol.CmdStartTask, Task: "find cheap flights",
	}))
	got := readEnvelope(t, agent)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, protocol.CmdStartTask, got.Type)

	// And back the other way.
	require.NoError(t, agent.WriteJSON(protocol.Envelope{
		ID: "a1", Type: protocol.EvtTaskUpdate, SessionID: "s1", Step: "opening search page",
	}))
	got = readEnvelope(t, controller)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "opening search page", got.Step)
}

func TestBrokerQueuesWhileRoleOfflineAndFlushesInOrder(t *testing.T) {
	srv, url := newTestBroker(t, 16)
	controller := dialRole(t, url, "controller")

	for i := 0; i < 3; i++ {
		require.NoError(t, controller.WriteJSON(protocol.Envelope{
			ID: fmt.Sprintf("m%d", i), Type: protocol.CmdSendMessage, Message: fmt.Sprintf("step %d", i),
		}))
	}

	require.Eventually(t, func() bool {
		return srv.Hub().QueuedFor("agent") == 3
	}, 2*time.Second, 10*time.Millisecond)

	// A late-registering agent gets the full backlog, oldest first.
	agent := dialRole(t, url, "agent")
	for i := 0; i < 3; i++ {
		got := readEnvelope(t, agent)
		assert.Equal(t, fmt.Sprintf("m%d", i), got.ID)
	}
	assert.Equal(t, 0, srv.Hub().QueuedFor("agent"))
}

func TestBrokerOfflineQueueEvictsOldest(t *testing.T) {
	srv, url := newTestBroker(t, 2)
	controller := dialRole(t, url, "controller")

	for i := 0; i < 4; i++ {
		require.NoError(t, controller.WriteJSON(protocol.Envelope{
			ID: fmt.Sprintf("m%d", i), Type: protocol.CmdSendMessage,
		}))
	}

	require.Eventually(t, func() bool {
		// All four were brokered; only the newest two survive.
		return srv.Hub().QueuedFor("agent") == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	agent := dialRole(t, url, "agent")
	assert.Equal(t, "m2", readEnvelope(t, agent).ID)
	assert.Equal(t, "m3", readEnvelope(t, agent).ID)
}

func TestBrokerExplicitRoleAddressing(t *testing.T) {
	_, url := newTestBroker(t, 16)
	agent := dialRole(t, url, "agent")
	watcher := dialRole(t, url, "watcher")

	require.NoError(t, agent.WriteJSON(protocol.Envelope{
		ID: "w1", Type: protocol.EvtTaskUpdate, Role: "watcher",
	}))
	got := readEnvelope(t, watcher)
	assert.Equal(t, "w1", got.ID)
	// The routing field is stripped before delivery.
	assert.Empty(t, got.Role)
}

func TestBrokerRejectsUnregisteredFirstMessage(t *testing.T) {
	_, url := newTestBroker(t, 16)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.CmdStartTask}))
	var resp protocol.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, protocol.TypeError, resp.Type)
	assert.NotEmpty(t, resp.Error)
}

func TestBrokerKeepsPeerAfterMalformedFrame(t *testing.T) {
	_, url := newTestBroker(t, 16)
	agent := dialRole(t, url, "agent")
	controller := dialRole(t, url, "controller")

	// A frame that is not an envelope is dropped, not a disconnect.
	require.NoError(t, controller.WriteMessage(websocket.TextMessage, []byte("{this is not json")))
	require.NoError(t, controller.WriteJSON(protocol.Envelope{
		ID: "after", Type: protocol.CmdStartTask, Task: "t",
	}))

	got := readEnvelope(t, agent)
	assert.Equal(t, "after", got.ID)

	// The sender's channel is still live in both directions.
	require.NoError(t, agent.WriteJSON(protocol.Envelope{
		ID: "back", Type: protocol.EvtTaskUpdate, SessionID: "s1",
	}))
	assert.Equal(t, "back", readEnvelope(t, controller).ID)
}

func TestBrokerFlushesBacklogLargerThanSendBuffer(t *testing.T) {
	const queued = 150 // deliberately past the per-peer send buffer

	srv, url := newTestBroker(t, 2*queued)
	controller := dialRole(t, url, "controller")

	for i := 0; i < queued; i++ {
		require.NoError(t, controller.WriteJSON(protocol.Envelope{
			ID: fmt.Sprintf("m%d", i), Type: protocol.CmdSendMessage,
		}))
	}
	require.Eventually(t, func() bool {
		return srv.Hub().QueuedFor("agent") == queued
	}, 2*time.Second, 10*time.Millisecond)

	// Every queued message arrives, in order, with nothing dropped past the
	// buffered window.
	agent := dialRole(t, url, "agent")
	for i := 0; i < queued; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), readEnvelope(t, agent).ID)
	}
	assert.Equal(t, 0, srv.Hub().QueuedFor("agent"))
}

func TestBrokerSurvivesPeerChurn(t *testing.T) {
	srv, url := newTestBroker(t, 16)

	agent := dialRole(t, url, "agent")
	agent.Close()

	// Messages after the agent left must queue, not vanish.
	controller := dialRole(t, url, "controller")
	require.NoError(t, controller.WriteJSON(protocol.Envelope{ID: "late", Type: protocol.CmdStopTask}))

	require.Eventually(t, func() bool {
		return srv.Hub().QueuedFor("agent") == 1
	}, 2*time.Second, 10*time.Millisecond)

	replacement := dialRole(t, url, "agent")
	assert.Equal(t, "late", readEnvelope(t, replacement).ID)
}
