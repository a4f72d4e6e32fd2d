// File: internal/bus/framing/stream.go
package framing

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
)

// StreamTransport speaks the length-prefixed frame format over a fixed pair
// of byte streams. The agent side runs one over its own stdin/stdout; the
// controller side embeds one per spawned child process (see StdioTransport).
type StreamTransport struct {
	r io.Reader
	w io.Writer

	state atomic.Int32

	mu           sync.Mutex // serializes writes and callback registration
	handler      bus.Handler
	onDisconnect func(error)

	readerDone chan struct{}
	logger     *zap.Logger
}

// NewStreamTransport wraps an already-open read/write stream pair.
func NewStreamTransport(r io.Reader, w io.Writer, logger *zap.Logger) *StreamTransport {
	return &StreamTransport{
		r:      r,
		w:      w,
		logger: logger.Named("framed"),
	}
}

// OnMessage registers the inbound message consumer. Must precede Connect.
func (t *StreamTransport) OnMessage(h bus.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// OnDisconnect registers the callback invoked when the stream breaks.
func (t *StreamTransport) OnDisconnect(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = f
}

// Connect starts the read loop. Idempotent while connected.
func (t *StreamTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(bus.StateDisconnected), int32(bus.StateConnecting)) {
		return nil
	}
	t.readerDone = make(chan struct{})
	t.state.Store(int32(bus.StateConnected))
	go t.readLoop()
	return nil
}

func (t *StreamTransport) IsConnected() bool {
	return bus.ConnState(t.state.Load()) == bus.StateConnected
}

// Send frames and writes one message. A stream transport cannot redial a
// fixed pipe, so a send outside StateConnected fails immediately.
func (t *StreamTransport) Send(ctx context.Context, env protocol.Envelope) error {
	if !t.IsConnected() {
		return bus.ErrNotConnected
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	_, err = t.w.Write(frame)
	t.mu.Unlock()
	if err != nil {
		t.drop(err)
		return err
	}
	return nil
}

// Disconnect marks the channel dead. The underlying streams are owned by the
// caller (or the child process) and are not closed here.
func (t *StreamTransport) Disconnect() error {
	t.drop(nil)
	return nil
}

// drop transitions to disconnected exactly once and fires the callback.
func (t *StreamTransport) drop(cause error) {
	prev := t.state.Swap(int32(bus.StateDisconnected))
	if bus.ConnState(prev) == bus.StateDisconnected {
		return
	}
	t.mu.Lock()
	cb := t.onDisconnect
	t.mu.Unlock()
	if cb != nil {
		cb(cause)
	}
}

func (t *StreamTransport) readLoop() {
	defer close(t.readerDone)

	var dec Decoder
	chunk := make([]byte, 32*1024)
	for {
		n, err := t.r.Read(chunk)
		if n > 0 {
			payloads, ferr := dec.Feed(chunk[:n])
			for _, payload := range payloads {
				t.dispatch(payload)
			}
			if ferr != nil {
				t.logger.Error("Frame stream desynchronized", zap.Error(ferr))
				t.drop(ferr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				t.logger.Warn("Frame stream read failed", zap.Error(err))
			}
			t.drop(err)
			return
		}
	}
}

// dispatch decodes one payload and hands it to the consumer. A corrupt
// payload is logged and skipped; it must not take down the channel.
func (t *StreamTransport) dispatch(payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		t.logger.Warn("Skipping malformed frame payload",
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		return
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(env)
	}
}
