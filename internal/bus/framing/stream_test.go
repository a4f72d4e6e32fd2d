// File: internal/bus/framing/stream_test.go
package framing

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

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

// pipePair wires two transports together like a parent and child process
// sharing a stdio pair.
func pipePair(t *testing.T) (*StreamTransport, *StreamTransport, func()) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewStreamTransport(ar, aw, logger)
	b := NewStreamTransport(br, bw, logger)

	cleanup := func() {
		a.Disconnect()
		b.Disconnect()
		aw.Close()
		bw.Close()
		ar.Close()
		br.Close()
		<-a.readerDone
		<-b.readerDone
	}
	return a, b, cleanup
}

func TestStreamTransportRoundTrip(t *testing.T) {
	a, b, cleanup := pipePair(t)
	defer cleanup()

	received := make(chan protocol.Envelope, 1)
	b.OnMessage(func(env protocol.Envelope) { received <- env })

	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	assert.True(t, a.IsConnected())

	want := protocol.Envelope{ID: "m1", Type: protocol.CmdStartTask, SessionID: "s1", Task: "buy milk"}
	require.NoError(t, a.Send(ctx, want))

	select {
	case got := <-received:
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.Task, got.Task)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestStreamTransportSkipsMalformedPayload(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pr, pw := io.Pipe()
	tr := NewStreamTransport(pr, io.Discard, logger)

	received := make(chan protocol.Envelope, 2)
	tr.OnMessage(func(env protocol.Envelope) { received <- env })
	require.NoError(t, tr.Connect(context.Background()))
	defer func() {
		pw.Close()
		pr.Close()
		<-tr.readerDone
	}()

	// A well-framed but unparseable payload must not take down the channel.
	bad, err := EncodeFrame([]byte("{not json"))
	require.NoError(t, err)
	goodPayload, err := protocol.Encode(protocol.Envelope{ID: "ok", Type: protocol.EvtTaskUpdate})
	require.NoError(t, err)
	good, err := EncodeFrame(goodPayload)
	require.NoError(t, err)

	_, err = pw.Write(append(bad, good...))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "ok", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed one never arrived")
	}
	assert.True(t, tr.IsConnected())
}

func TestStreamTransportDisconnectCallbackFiresOnce(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pr, pw := io.Pipe()
	tr := NewStreamTransport(pr, io.Discard, logger)

	var fired atomic.Int32
	tr.OnDisconnect(func(error) { fired.Add(1) })
	require.NoError(t, tr.Connect(context.Background()))

	pw.Close() // EOF ends the read loop
	<-tr.readerDone
	pr.Close()

	assert.False(t, tr.IsConnected())
	assert.Equal(t, int32(1), fired.Load())

	// Explicit disconnect after the stream already broke must not re-fire.
	require.NoError(t, tr.Disconnect())
	assert.Equal(t, int32(1), fired.Load())
}

func TestStreamTransportDesyncDropsChannel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	pr, pw := io.Pipe()
	tr := NewStreamTransport(pr, io.Discard, logger)

	dropped := make(chan error, 1)
	tr.OnDisconnect(func(err error) { dropped <- err })
	require.NoError(t, tr.Connect(context.Background()))
	defer pr.Close()

	// Length prefix way past the frame limit.
	_, err := pw.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x00})
	require.NoError(t, err)
	pw.Close()

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("desynchronized stream was not dropped")
	}
	<-tr.readerDone
}

func TestStreamTransportSendWhileDisconnected(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tr := NewStreamTransport(io.MultiReader(), io.Discard, logger)

	err := tr.Send(context.Background(), protocol.Envelope{Type: protocol.CmdPoll})
	assert.ErrorIs(t, err, bus.ErrNotConnected)
}
