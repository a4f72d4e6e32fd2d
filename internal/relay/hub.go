// File: internal/relay/hub.go
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
)

// inbound pairs a message with the role of the client that sent it.
type inbound struct {
	env  protocol.Envelope
	from string
}

// Hub brokers push messages between the agent and any number of
// controllers, grouped by registered role. Messages addressed to a role
// with no connected peer are queued (bounded FIFO) and flushed in order
// when a peer of that role next registers.
type Hub struct {
	logger    *zap.Logger
	queueSize int

	register   chan *client
	unregister chan *client
	broadcast  chan inbound
	done       chan struct{}

	mu      sync.RWMutex
	clients map[string]map[*client]bool
	queues  map[string][]protocol.Envelope
}

// NewHub creates a hub whose per-role offline queues hold at most queueSize
// messages each.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("relay_hub"),
		queueSize:  queueSize,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan inbound, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*client]bool),
		queues:     make(map[string][]protocol.Envelope),
	}
}

// Run owns all hub state mutation until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Relay hub started")
	defer h.logger.Info("Relay hub stopped")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for _, peers := range h.clients {
				for c := range peers {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.addClient(c)

		case c := <-h.unregister:
			h.removeClient(c)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	peers, ok := h.clients[c.role]
	if !ok {
		peers = make(map[*client]bool)
		h.clients[c.role] = peers
	}
	peers[c] = true
	backlog := h.queues[c.role]
	delete(h.queues, c.role)
	h.mu.Unlock()

	h.logger.Info("Peer registered",
		zap.String("role", c.role),
		zap.Int("backlog", len(backlog)))

	// Flush queued messages in their original order before anything new. The
	// backlog may be far larger than the peer's send buffer, so the flush
	// applies backpressure: wait for the write pump to drain rather than
	// dropping the tail. A peer that cannot drain within the write deadline
	// is kicked and the unflushed tail goes back to the offline queue.
	for i, env := range backlog {
		select {
		case c.send <- env:
			continue
		case <-h.done:
			return
		default:
		}

		timer := time.NewTimer(writeWait)
		select {
		case c.send <- env:
			timer.Stop()
		case <-h.done:
			timer.Stop()
			return
		case <-timer.C:
			h.mu.Lock()
			h.queues[c.role] = append(backlog[i:len(backlog):len(backlog)], h.queues[c.role]...)
			h.mu.Unlock()
			h.logger.Warn("Peer too slow draining backlog, requeueing tail",
				zap.String("role", c.role),
				zap.Int("requeued", len(backlog)-i))
			go func() {
				select {
				case h.unregister <- c:
				case <-h.done:
				}
			}()
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if peers, ok := h.clients[c.role]; ok && peers[c] {
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clients, c.role)
		}
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("Peer disconnected", zap.String("role", c.role))
}

// deliver fans a message out to its destination role, or queues it while no
// peer of that role is connected.
func (h *Hub) deliver(msg inbound) {
	target := msg.env.Role
	if target == "" {
		target = defaultTarget(msg.from)
	}
	env := msg.env
	env.Role = ""

	h.mu.Lock()
	peers := h.clients[target]
	if len(peers) == 0 {
		q := h.queues[target]
		if len(q) >= h.queueSize {
			// Oldest-first eviction keeps the most recent state changes.
			q = q[1:]
			h.logger.Warn("Offline queue full, evicting oldest",
				zap.String("role", target))
		}
		h.queues[target] = append(q, env)
		h.mu.Unlock()
		return
	}

	targets := make([]*client, 0, len(peers))
	for c := range peers {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.trySend(env)
	}
}

// QueuedFor reports the offline backlog size for a role.
func (h *Hub) QueuedFor(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.queues[role])
}

// defaultTarget implements the point-to-point convention: controllers talk
// to the agent, the agent talks to controllers.
func defaultTarget(from string) string {
	if from == "agent" {
		return "controller"
	}
	return "agent"
}
