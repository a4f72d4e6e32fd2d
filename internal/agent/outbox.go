// File: internal/agent/outbox.go
package agent

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/protocol"
)

// Outbox is the agent's outbound event path. Events ride the relay push
// channel while it is up; while it is down they queue here, in order, until
// a controller poll over the framed channel drains them. The queue is
// bounded with oldest-first eviction, mirroring the broker's own offline
// queue policy.
type Outbox struct {
	relay  bus.Transport
	limit  int
	logger *zap.Logger

	mu    sync.Mutex
	queue []protocol.Envelope
}

// NewOutbox wraps the relay push channel with a poll-drainable queue.
func NewOutbox(relay bus.Transport, limit int, logger *zap.Logger) *Outbox {
	return &Outbox{
		relay:  relay,
		limit:  limit,
		logger: logger.Named("outbox"),
	}
}

// Send pushes one event over the relay, queueing it for the next poll when
// the push channel is down. Never returns a transport error to the caller;
// an event is either sent or queued.
func (o *Outbox) Send(ctx context.Context, env protocol.Envelope) error {
	if o.relay != nil && o.relay.IsConnected() {
		if err := o.relay.Send(ctx, env); err == nil {
			return nil
		}
	}

	o.mu.Lock()
	if len(o.queue) >= o.limit {
		o.queue = o.queue[1:]
		o.logger.Warn("Outbox full, evicting oldest event")
	}
	o.queue = append(o.queue, env)
	o.mu.Unlock()
	return nil
}

// PollReply answers one poll request with every queued event matching the
// requested session IDs, in original order. An empty ID list matches
// everything. Drained events leave the queue; a poll is the one delivery
// they get.
func (o *Outbox) PollReply(req protocol.Envelope) protocol.Envelope {
	var ids map[string]bool
	if req.Message != "" {
		ids = make(map[string]bool)
		for _, id := range strings.Split(req.Message, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids[id] = true
			}
		}
	}

	o.mu.Lock()
	var matched []protocol.Envelope
	var kept []protocol.Envelope
	for _, env := range o.queue {
		if ids == nil || ids[env.SessionID] {
			matched = append(matched, env)
		} else {
			kept = append(kept, env)
		}
	}
	o.queue = kept
	o.mu.Unlock()

	reply := protocol.Envelope{
		Type:    protocol.EvtPollResult,
		ReplyTo: req.ID,
	}
	for _, env := range matched {
		raw, err := protocol.Encode(env)
		if err != nil {
			o.logger.Warn("Dropping unencodable queued event",
				zap.String("type", string(env.Type)), zap.Error(err))
			continue
		}
		reply.Batch = append(reply.Batch, raw)
	}
	return reply
}

// Pending reports the queued event count.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
