// File: internal/protocol/normalizer.go
package protocol

import (
	"go.uber.org/zap"
)

// Ignore marks a wire tag that must be dropped before dispatch. The poll
// trigger is the canonical case: on the push path there is no "poll now".
const Ignore MessageType = "__ignore__"

// Normalizer maps message type tags between the controller wire vocabulary
// and the agent-internal vocabulary. The two tables are independent and
// stateless; which transport carried the message is irrelevant here.
type Normalizer struct {
	inbound  map[MessageType]MessageType
	outbound map[MessageType]MessageType
	logger   *zap.Logger
}

// NewNormalizer builds a normalizer with the default mapping tables.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{
		inbound: map[MessageType]MessageType{
			CmdStartTask:   AgentStart,
			CmdSendMessage: AgentMessage,
			CmdStopTask:    AgentStop,
			CmdScreenshot:  AgentCapture,
			CmdPoll:        Ignore,
		},
		outbound: map[MessageType]MessageType{
			AgentUpdate:        EvtTaskUpdate,
			AgentWaiting:       EvtTaskWaiting,
			AgentComplete:      EvtTaskComplete,
			AgentError:         EvtTaskError,
			AgentCaptureResult: EvtScreenshot,
		},
		logger: logger.Named("normalizer"),
	}
}

// Inbound retags a command arriving for the agent. The second return value is
// false when the message is mapped to Ignore and must not reach the
// dispatcher. Unrecognized tags pass through unchanged for forward
// compatibility.
func (n *Normalizer) Inbound(env Envelope) (Envelope, bool) {
	mapped, ok := n.inbound[env.Type]
	if !ok {
		return env, true
	}
	if mapped == Ignore {
		n.logger.Debug("Dropping ignored message type", zap.String("type", string(env.Type)))
		return env, false
	}
	env.Type = mapped
	return env, true
}

// Outbound retags an event leaving the agent into the wire vocabulary a
// controller understands. Unrecognized tags pass through unchanged.
func (n *Normalizer) Outbound(env Envelope) Envelope {
	if mapped, ok := n.outbound[env.Type]; ok {
		env.Type = mapped
	}
	return env
}

// UnpackBatch expands a poll response bundling queued events into individual
// envelopes, preserving order. Policy is best effort per item: a corrupt item
// is logged and skipped, and the remainder of the batch is still delivered.
func (n *Normalizer) UnpackBatch(env Envelope) []Envelope {
	if len(env.Batch) == 0 {
		return nil
	}
	out := make([]Envelope, 0, len(env.Batch))
	for i, raw := range env.Batch {
		item, err := Decode(raw)
		if err != nil {
			n.logger.Warn("Skipping corrupt batch item",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out
}
