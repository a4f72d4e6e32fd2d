// File: internal/bus/transport.go
package bus

import (
	"context"
	"errors"

	"github.com/relayforge/agentbus/internal/protocol"
)

// ConnState is the explicit connection state machine every transport runs.
// Send is only legal from StateConnected; a supervisory goroutine owns the
// transitions.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned when a send is attempted outside
	// StateConnected and the implicit reconnect also failed.
	ErrNotConnected = errors.New("bus: transport not connected")
	// ErrTimeout is the typed timeout for bounded request/response pairs,
	// distinct from a hard failure.
	ErrTimeout = errors.New("bus: request timed out")
)

// Handler consumes a decoded message arriving on a transport.
type Handler func(protocol.Envelope)

// Transport is the surface shared by the framed and relay channels, so
// callers stay transport-agnostic.
type Transport interface {
	// Connect establishes the channel. Calling Connect while already
	// connected is a no-op.
	Connect(ctx context.Context) error
	// Send transmits one message. On a transient disconnect it attempts one
	// implicit reconnect before the error propagates.
	Send(ctx context.Context, env protocol.Envelope) error
	// OnMessage registers the single consumer for inbound messages. Must be
	// called before Connect.
	OnMessage(h Handler)
	// OnDisconnect registers a callback invoked when the channel drops.
	OnDisconnect(f func(err error))
	IsConnected() bool
	Disconnect() error
}
