// File: internal/agent/contracts.go

// Package agent is the runtime that sits between the message bus and the
// browser. It consumes normalized commands, drives task sessions through
// the orchestrator, and emits normalized events back over whichever
// transport is live. The browser itself is reached only through the
// executor contracts below, so the runtime never touches DevTools wire
// types directly.
package agent

import (
	"context"

	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/registry"
)

// ActionParams carries the normalized inputs for one low-level action.
// Coordinates are in live viewport space; the runtime rescales from
// captured-image space before building one of these.
type ActionParams struct {
	Handle string  `json:"handle,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Text   string  `json:"text,omitempty"`
	Key    string  `json:"key,omitempty"`
	URL    string  `json:"url,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

// PageView is the structural snapshot the planner reasons over.
type PageView struct {
	Tree     string        `json:"tree"`
	URL      string        `json:"url"`
	Title    string        `json:"title"`
	Viewport registry.Size `json:"viewport"`
}

// Capture is one screenshot plus the dimensions needed to rebuild the
// coordinate scale.
type Capture struct {
	Data     string        `json:"data"` // base64 image bytes
	Size     registry.Size `json:"size"`
	Viewport registry.Size `json:"viewport"`
}

// InputExecutor is the opaque low-level automation primitive: click, type,
// scroll and friends, invoked by name.
type InputExecutor interface {
	ExecuteInputAction(ctx context.Context, tabTarget, action string, params ActionParams) (string, error)
}

// PageQuerier is the structural-query primitive the element registry is
// built on.
type PageQuerier interface {
	QueryStructuredPage(ctx context.Context, tabTarget, filter string, depth, maxChars int, startHandle string) (*PageView, error)
}

// ScreenCapturer produces the captures pointer coordinates are planned
// against.
type ScreenCapturer interface {
	CaptureScreenshot(ctx context.Context, tabTarget string) (*Capture, error)
}

// Sender is the outbound half of the bus the runtime emits events through.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}
