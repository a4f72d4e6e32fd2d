// File: internal/bus/framing/stdio.go
package framing

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
)

// StdioTransport spawns a child process and speaks frames over its stdio
// pipes. Process exit or a broken pipe drops the channel; Send on a dead
// channel transparently attempts one respawn before giving up.
type StdioTransport struct {
	argv   []string
	logger *zap.Logger

	mu           sync.Mutex
	cmd          *exec.Cmd
	stream       *StreamTransport
	handler      bus.Handler
	onDisconnect func(error)
	closed       bool
}

// NewStdioTransport prepares a transport that will spawn argv on Connect.
func NewStdioTransport(argv []string, logger *zap.Logger) (*StdioTransport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("framing: spawn command must not be empty")
	}
	return &StdioTransport{
		argv:   argv,
		logger: logger.Named("stdio"),
	}, nil
}

func (t *StdioTransport) OnMessage(h bus.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	if t.stream != nil {
		t.stream.OnMessage(h)
	}
}

func (t *StdioTransport) OnDisconnect(f func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = f
}

// Connect spawns the child process and starts its frame pumps. A no-op while
// the current child is alive.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx)
}

func (t *StdioTransport) connectLocked(ctx context.Context) error {
	if t.closed {
		return bus.ErrNotConnected
	}
	if t.stream != nil && t.stream.IsConnected() {
		return nil
	}

	cmd := exec.CommandContext(ctx, t.argv[0], t.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("framing: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("framing: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("framing: failed to spawn %q: %w", t.argv[0], err)
	}

	stream := NewStreamTransport(stdout, stdin, t.logger)
	if t.handler != nil {
		stream.OnMessage(t.handler)
	}
	stream.OnDisconnect(func(cause error) {
		t.logger.Info("Framed channel dropped", zap.Error(cause))
		t.mu.Lock()
		cb := t.onDisconnect
		t.mu.Unlock()
		if cb != nil {
			cb(cause)
		}
	})
	if err := stream.Connect(ctx); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	t.cmd = cmd
	t.stream = stream

	// Reap the child so its exit flips the stream to disconnected via the
	// closed stdout pipe, and the process table stays clean.
	go func() {
		err := cmd.Wait()
		t.logger.Info("Framed child process exited", zap.Error(err))
		stream.drop(err)
	}()

	t.logger.Info("Framed channel connected", zap.String("command", t.argv[0]))
	return nil
}

func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream != nil && t.stream.IsConnected()
}

// Send writes one message to the child. If the channel is dead it respawns
// once; only a failed respawn propagates to the caller.
func (t *StdioTransport) Send(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()

	if stream != nil && stream.IsConnected() {
		if err := stream.Send(ctx, env); err == nil {
			return nil
		}
	}

	t.mu.Lock()
	if err := t.connectLocked(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	stream = t.stream
	t.mu.Unlock()

	return stream.Send(ctx, env)
}

// Disconnect kills the child process and prevents further respawns.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.stream != nil {
		_ = t.stream.Disconnect()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
