// File: internal/bus/selector.go
package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relayforge/agentbus/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayChannel is the extra surface the selector needs from the push
// transport beyond the plain Transport contract.
type RelayChannel interface {
	Transport
	OnConnect(func())
	Resume(ctx context.Context)
}

// SelectorConfig tunes failover behavior.
type SelectorConfig struct {
	// PollInterval is the cadence of the polling fallback loop.
	PollInterval time.Duration
	// RequestTimeout bounds one poll or call round trip.
	RequestTimeout time.Duration
	// ResumeInterval is the host-side wake timer that retries the relay
	// connection after the process was suspended.
	ResumeInterval time.Duration
}

// Selector owns the choice between the relay push channel and the framed
// polling fallback. Relay up means polling stops; relay down means a hot
// polling loop starts immediately while relay reconnects race in the
// background. The first path back to the remote side wins and the other is
// torn down.
type Selector struct {
	relay  RelayChannel
	framed Transport
	cfg    SelectorConfig
	logger *zap.Logger

	pending *PendingTable

	mu         sync.Mutex
	handler    Handler
	pollCancel context.CancelFunc
	pollIDs    []string
	relayUp    bool
	started    bool

	// resumeLimiter keeps suspend/resume storms from hammering the broker.
	resumeLimiter *rate.Limiter

	wg       sync.WaitGroup
	shutdown context.CancelFunc
}

// NewSelector wires the two transports together. Neither is connected yet.
func NewSelector(relay RelayChannel, framed Transport, cfg SelectorConfig, logger *zap.Logger) *Selector {
	s := &Selector{
		relay:         relay,
		framed:        framed,
		cfg:           cfg,
		logger:        logger.Named("selector"),
		pending:       NewPendingTable(),
		resumeLimiter: rate.NewLimiter(rate.Every(cfg.ResumeInterval), 1),
	}

	relay.OnMessage(s.dispatch)
	framed.OnMessage(s.dispatch)
	relay.OnConnect(s.onRelayConnect)
	relay.OnDisconnect(s.onRelayDisconnect)
	return s
}

// OnMessage registers the single consumer for inbound messages from either
// transport. Responses to pending requests are resolved internally and do
// not reach this handler.
func (s *Selector) OnMessage(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetPollIDs declares the session IDs the polling loop asks about. The poll
// request is idempotent: "everything pending for these IDs", empty result
// tolerated.
func (s *Selector) SetPollIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollIDs = append([]string(nil), ids...)
}

// Start attempts the relay first and falls back to polling on failure. It
// also starts the periodic resume nudge.
func (s *Selector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.started = true
	s.shutdown = cancel
	s.mu.Unlock()

	if err := s.relay.Connect(ctx); err != nil {
		s.logger.Warn("Relay unavailable at startup, falling back to polling", zap.Error(err))
		s.startPolling()
	}

	s.wg.Add(1)
	go s.resumeLoop(runCtx)
	return nil
}

// Stop tears down polling, the resume loop, and both transports.
func (s *Selector) Stop() {
	s.mu.Lock()
	cancel := s.shutdown
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.stopPolling()
	s.pending.Drain()
	_ = s.relay.Disconnect()
	_ = s.framed.Disconnect()
	s.wg.Wait()
}

// Send transmits on the live transport, preferring the relay push channel.
// A transient failure on one path is retried on the other before any error
// reaches the caller.
func (s *Selector) Send(ctx context.Context, env protocol.Envelope) error {
	s.mu.Lock()
	relayUp := s.relayUp
	s.mu.Unlock()

	if relayUp {
		if err := s.relay.Send(ctx, env); err == nil {
			return nil
		}
	}
	return s.framed.Send(ctx, env)
}

// Request sends an envelope and waits for the reply correlated by message
// ID, racing a hard timeout. It resolves exactly once.
func (s *Selector) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	replyCh := s.pending.Add(env.ID, s.cfg.RequestTimeout)

	if err := s.Send(ctx, env); err != nil {
		// Best effort: the timeout will reap the pending entry if the
		// response somehow still arrives late.
		return protocol.Envelope{}, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return protocol.Envelope{}, ErrTimeout
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// dispatch routes one inbound envelope: responses resolve their pending
// request, everything else goes to the registered consumer.
func (s *Selector) dispatch(env protocol.Envelope) {
	if env.ReplyTo != "" && s.pending.Resolve(env.ReplyTo, env) {
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (s *Selector) onRelayConnect() {
	s.mu.Lock()
	s.relayUp = true
	s.mu.Unlock()

	// Push channel is live: polling is redundant and would double latency.
	s.stopPolling()
	s.logger.Info("Relay connected, polling stopped")
}

func (s *Selector) onRelayDisconnect(err error) {
	s.mu.Lock()
	s.relayUp = false
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	s.logger.Warn("Relay disconnected, starting polling fallback", zap.Error(err))
	s.startPolling()
}

func (s *Selector) startPolling() {
	s.mu.Lock()
	if s.pollCancel != nil || !s.started {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(ctx)
}

func (s *Selector) stopPolling() {
	s.mu.Lock()
	cancel := s.pollCancel
	s.pollCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pollLoop asks the framed channel for everything pending at a fixed
// cadence. An empty or failed poll is tolerated; the next tick tries again.
func (s *Selector) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.framed.Connect(ctx); err != nil {
		s.logger.Warn("Framed fallback connect failed, polling will retry sends", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Selector) pollOnce(ctx context.Context) {
	s.mu.Lock()
	ids := append([]string(nil), s.pollIDs...)
	s.mu.Unlock()

	env := protocol.Envelope{
		Type:    protocol.CmdPoll,
		Message: strings.Join(ids, ","),
	}
	reply, err := s.Request(ctx, env)
	if err != nil {
		s.logger.Debug("Poll tick failed", zap.Error(err))
		return
	}
	if len(reply.Batch) == 0 {
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(reply)
	}
}

// resumeLoop nudges the relay reconnect on a slow timer. Required because a
// suspended host freezes the reconnect timer along with everything else;
// the first tick after resume gets the push channel back.
func (s *Selector) resumeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.resumeLimiter.Allow() {
				s.relay.Resume(ctx)
			}
		}
	}
}
