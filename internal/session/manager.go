// File: internal/session/manager.go
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/config"
)

// ErrNotFound is returned for operations against a session ID the manager
// does not know.
var ErrNotFound = errors.New("session not found")

// Manager owns the session map. Every mutation is a single synchronous
// read-modify-write under one mutex, so two commands against the same
// session can never interleave at sub-operation granularity. It is a plain
// context object; there is no package-level instance.
type Manager struct {
	cfg    config.SessionConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// now is swappable so the sweeper is testable without real sleeps.
	now func() time.Time

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates an empty session manager.
func NewManager(cfg config.SessionConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("session_manager"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session in CREATED. A caller-supplied ID wins;
// an empty one gets a fresh UUID. Creating an ID that already exists is an
// error, not an upsert.
func (m *Manager) Create(id, task, startURL, taskContext string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, &StateError{SessionID: id, Reason: "session already exists"}
	}

	now := m.now().UTC()
	s := &Session{
		ID:            id,
		Task:          task,
		StartURL:      startURL,
		Context:       taskContext,
		State:         StateCreated,
		CollectedInfo: make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.sessions[id] = s

	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("task", task))
	return s.clone(), nil
}

// Transition is the only path by which a session's state changes. It
// performs no I/O; the caller emits any side-effecting command after a
// successful return. An undeclared edge returns a StateError and leaves the
// session untouched. Entering PLANNING or READY consumes the pending
// question set; collectedInfo and the trace always survive.
func (m *Manager) Transition(id string, target State) (prev, next State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", "", &StateError{SessionID: id, To: target, Reason: "session not found"}
	}
	prev, err = m.transitionLocked(s, target)
	if err != nil {
		return prev, prev, err
	}
	return prev, target, nil
}

// transitionLocked applies one edge. Caller holds m.mu.
func (m *Manager) transitionLocked(s *Session, target State) (prev State, err error) {
	if !target.Valid() {
		return s.State, &StateError{SessionID: s.ID, From: s.State, To: target, Reason: "unknown target state"}
	}
	if !s.State.CanTransition(target) {
		return s.State, &StateError{SessionID: s.ID, From: s.State, To: target, Reason: "edge not in adjacency table"}
	}

	prev = s.State
	s.State = target
	s.UpdatedAt = m.now().UTC()

	if target == StatePlanning || target == StateReady {
		s.PendingQuestions = nil
	}
	if target.Terminal() && s.CompletedAt == nil {
		t := s.UpdatedAt
		s.CompletedAt = &t
	}

	m.logger.Debug("Session transitioned",
		zap.String("session_id", s.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(target)))
	return prev, nil
}

// Get returns a deep copy of a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

// List returns deep copies of every live session.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Trace returns the newest n trace entries for a session, or the whole
// trace when n <= 0. The trace is unbounded for a session's life, so status
// surfaces usually ask for a suffix.
func (m *Manager) Trace(id string, n int) ([]TraceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	trace := s.ExecutionTrace
	if n > 0 && len(trace) > n {
		trace = trace[len(trace)-n:]
	}
	return append([]TraceEntry(nil), trace...), nil
}

// Delete removes a session outright. Reports whether it existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	m.logger.Info("Session deleted", zap.String("session_id", id))
	return true
}

// AppendTrace appends one entry and touches updatedAt. Entries arriving for
// a terminal session are logged but never stored: terminal sessions do not
// resurrect and their trace is frozen for postmortem.
func (m *Manager) AppendTrace(id string, entry TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		m.logger.Debug("Dropping trace entry for terminal session",
			zap.String("session_id", id),
			zap.String("state", string(s.State)),
			zap.String("type", entry.Type))
		return nil
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now().UTC()
	}
	s.ExecutionTrace = append(s.ExecutionTrace, entry)
	s.UpdatedAt = m.now().UTC()
	return nil
}

// SetCurrentStep overwrites the last-known step projection.
func (m *Manager) SetCurrentStep(id, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}
	s.CurrentStep = step
	s.UpdatedAt = m.now().UTC()
	return nil
}

// MergeInfo folds new collected fields in, overwriting on key collision.
// The map never shrinks short of session deletion.
func (m *Manager) MergeInfo(id string, info map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}
	for k, v := range info {
		s.CollectedInfo[k] = v
	}
	s.UpdatedAt = m.now().UTC()
	return nil
}

// AddQuestions appends to the pending question set.
func (m *Manager) AddQuestions(id string, qs ...Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}
	s.PendingQuestions = append(s.PendingQuestions, qs...)
	s.UpdatedAt = m.now().UTC()
	return nil
}

// StartSweeper launches the idle-session reaper. Sessions whose updatedAt is
// older than the configured idle timeout are removed regardless of state;
// this reclaims memory from abandoned tasks and is independent of the state
// machine's terminal logic.
func (m *Manager) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.sweepCancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.sweepCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.SweepIdle()
			}
		}
	}()
}

// StopSweeper halts the reaper and waits for it to exit.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	cancel := m.sweepCancel
	m.sweepCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// SweepIdle removes every session idle past the timeout and reports how
// many were reaped.
func (m *Manager) SweepIdle() int {
	cutoff := m.now().UTC().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			reaped++
			m.logger.Info("Swept idle session",
				zap.String("session_id", id),
				zap.String("state", string(s.State)),
				zap.Time("updated_at", s.UpdatedAt))
		}
	}
	return reaped
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
