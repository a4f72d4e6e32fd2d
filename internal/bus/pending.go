// File: internal/bus/pending.go
package bus

import (
	"sync"
	"time"

	"github.com/relayforge/agentbus/internal/protocol"
)

// pendingRequest correlates one outbound poll or call with its eventual
// inbound response. It is removed on first matching response or on timeout,
// whichever comes first, never both.
type pendingRequest struct {
	ch    chan protocol.Envelope
	timer *time.Timer
}

// PendingTable tracks in-flight request/response pairs keyed by message ID.
type PendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{m: make(map[string]*pendingRequest)}
}

// Add registers a request ID and returns the channel its response will be
// delivered on. The channel is closed without a value if the timeout fires
// first; a successful resolution delivers exactly one envelope.
func (p *PendingTable) Add(id string, timeout time.Duration) <-chan protocol.Envelope {
	req := &pendingRequest{ch: make(chan protocol.Envelope, 1)}

	// The timer is armed before the entry is published: a response racing
	// Add must never find an entry whose timer is still nil. The timeout
	// callback itself blocks on the lock until publication completes.
	p.mu.Lock()
	req.timer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		cur, ok := p.m[id]
		if ok && cur == req {
			delete(p.m, id)
		} else {
			ok = false
		}
		p.mu.Unlock()
		if ok {
			close(req.ch)
		}
	})
	p.m[id] = req
	p.mu.Unlock()
	return req.ch
}

// Resolve delivers a response to the request it replies to. Returns false if
// no such request is pending (already resolved, timed out, or never ours).
func (p *PendingTable) Resolve(replyTo string, env protocol.Envelope) bool {
	p.mu.Lock()
	req, ok := p.m[replyTo]
	if ok {
		delete(p.m, replyTo)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	req.timer.Stop()
	req.ch <- env
	close(req.ch)
	return true
}

// Len reports the number of in-flight requests.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Drain cancels every pending request, closing their channels.
func (p *PendingTable) Drain() {
	p.mu.Lock()
	reqs := p.m
	p.m = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range reqs {
		req.timer.Stop()
		close(req.ch)
	}
}
