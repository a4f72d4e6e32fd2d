// File: internal/httpapi/controller.go

// Package httpapi is the controller-side read/update surface: a small HTTP
// API over the orchestrator's session view, with task commands forwarded to
// the agent over the bus.
package httpapi

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/session"
)

// Bus is the outbound command surface the controller sends through. Request
// is the round-trip variant for commands that expect a correlated reply.
type Bus interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)
	SetPollIDs(ids []string)
}

// Controller keeps the controller-side mirror of session state. Commands go
// out over the bus; events coming back are folded into the local manager,
// which is what the HTTP handlers read.
type Controller struct {
	bus      Bus
	sessions *session.Manager
	logger   *zap.Logger
}

// NewController wires the bus to a local session manager.
func NewController(bus Bus, sessions *session.Manager, logger *zap.Logger) *Controller {
	return &Controller{
		bus:      bus,
		sessions: sessions,
		logger:   logger.Named("controller"),
	}
}

// HandleEvent is the bus inbound handler: agent events update the mirror.
// Batched poll replies arrive pre-unpacked from the selector's consumer.
func (c *Controller) HandleEvent(env protocol.Envelope) {
	if err := c.sessions.ApplyEvent(env); err != nil {
		c.logger.Debug("Event not applied",
			zap.String("type", string(env.Type)),
			zap.String("session_id", env.SessionID),
			zap.Error(err))
	}
}

// StartTask registers the session locally and dispatches the start command.
func (c *Controller) StartTask(ctx context.Context, id, task, url, taskContext string) (*session.Session, error) {
	s, err := c.sessions.StartTask(id, task, url, taskContext, false)
	if err != nil {
		return nil, err
	}

	if err := c.bus.Send(ctx, protocol.Envelope{
		Type:      protocol.CmdStartTask,
		SessionID: s.ID,
		Task:      task,
		URL:       url,
		Context:   taskContext,
	}); err != nil {
		// The local record stays; the controller can retry or stop it.
		c.logger.Warn("Start command not delivered", zap.String("session_id", s.ID), zap.Error(err))
		return s, err
	}

	c.refreshPollIDs()
	return s, nil
}

// SendMessage forwards a user reply to the agent.
func (c *Controller) SendMessage(ctx context.Context, id, message string) error {
	if _, err := c.sessions.Get(id); err != nil {
		return err
	}
	return c.bus.Send(ctx, protocol.Envelope{
		Type:      protocol.CmdSendMessage,
		SessionID: id,
		Message:   message,
	})
}

// StopTask stops a session on both sides. remove=true deletes the local
// record too.
func (c *Controller) StopTask(ctx context.Context, id string, remove bool) error {
	if err := c.sessions.StopTask(id, remove); err != nil {
		return err
	}
	defer c.refreshPollIDs()
	return c.bus.Send(ctx, protocol.Envelope{
		Type:      protocol.CmdStopTask,
		SessionID: id,
		Remove:    remove,
	})
}

// Screenshot asks the agent for a capture of the live page and returns the
// base64 image data. The reply is also folded into the mirror so the trace
// records the capture.
func (c *Controller) Screenshot(ctx context.Context, id string) (string, error) {
	if _, err := c.sessions.Get(id); err != nil {
		return "", err
	}

	reply, err := c.bus.Request(ctx, protocol.Envelope{
		Type:      protocol.CmdScreenshot,
		SessionID: id,
	})
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}

	c.HandleEvent(reply)
	return reply.Data, nil
}

// Session reads one session from the mirror.
func (c *Controller) Session(id string) (*session.Session, error) {
	return c.sessions.Get(id)
}

// Sessions lists the mirror.
func (c *Controller) Sessions() []*session.Session {
	return c.sessions.List()
}

// refreshPollIDs keeps the polling fallback asking about every live
// session.
func (c *Controller) refreshPollIDs() {
	live := c.sessions.List()
	ids := make([]string, 0, len(live))
	for _, s := range live {
		ids = append(ids, s.ID)
	}
	c.bus.SetPollIDs(ids)
}
