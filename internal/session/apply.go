// File: internal/session/apply.go
package session

import (
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/protocol"
)

// StartTask creates a session for a new task and drives it to its initial
// working state. When the task needs no upfront knowledge gathering the
// session lands in EXECUTING; otherwise it stops in PLANNING and waits for
// the planner to resolve questions.
func (m *Manager) StartTask(id, task, startURL, taskContext string, needsPlanning bool) (*Session, error) {
	s, err := m.Create(id, task, startURL, taskContext)
	if err != nil {
		return nil, err
	}
	id = s.ID

	if _, _, err := m.Transition(id, StatePlanning); err != nil {
		return nil, err
	}
	if !needsPlanning {
		if _, _, err := m.Transition(id, StateReady); err != nil {
			return nil, err
		}
		if _, _, err := m.Transition(id, StateExecuting); err != nil {
			return nil, err
		}
	}
	return m.Get(id)
}

// StopTask cancels a session. remove=false leaves it queryable in CANCELLED
// with collectedInfo intact; remove=true deletes it outright. Stopping an
// already-terminal session without remove is a no-op.
func (m *Manager) StopTask(id string, remove bool) error {
	if remove {
		if !m.Delete(id) {
			return ErrNotFound
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}
	_, err := m.transitionLocked(s, StateCancelled)
	return err
}

// Complete marks a session finished with its answer. Idempotent: a repeat
// completion of an already-completed session changes nothing, not even
// completedAt. A completion for another terminal state is logged and
// dropped; the session never resurrects.
func (m *Manager) Complete(id, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateCompleted {
		return nil
	}
	if s.State.Terminal() {
		m.logger.Warn("Completion event for terminal session ignored",
			zap.String("session_id", id),
			zap.String("state", string(s.State)))
		return nil
	}

	if _, err := m.transitionLocked(s, StateCompleted); err != nil {
		return err
	}
	s.Answer = answer
	s.CurrentStep = ""
	return nil
}

// Fail marks a session failed, recording the error string. The trace stays
// intact for postmortem. Idempotent the same way Complete is.
func (m *Manager) Fail(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateFailed {
		return nil
	}
	if s.State.Terminal() {
		m.logger.Warn("Failure event for terminal session ignored",
			zap.String("session_id", id),
			zap.String("state", string(s.State)))
		return nil
	}

	if _, err := m.transitionLocked(s, StateFailed); err != nil {
		return err
	}
	s.Error = errMsg
	return nil
}

// ApplyEvent folds one agent event into its session. Events may arrive
// twice or out of order across a transport failover, so application is
// idempotent per (session, event type) where that is meaningful. Unknown
// event types and events for unknown sessions are logged and dropped.
func (m *Manager) ApplyEvent(env protocol.Envelope) error {
	if env.SessionID == "" {
		m.logger.Warn("Event without session ID dropped", zap.String("type", string(env.Type)))
		return nil
	}

	switch env.Type {
	case protocol.EvtTaskUpdate:
		step := env.Step
		if step == "" {
			step = env.Status
		}
		if err := m.AppendTrace(env.SessionID, TraceEntry{
			Type:        "agent:update",
			Description: step,
			Success:     true,
		}); err != nil {
			return err
		}
		return m.SetCurrentStep(env.SessionID, step)

	case protocol.EvtTaskWaiting:
		if err := m.AppendTrace(env.SessionID, TraceEntry{
			Type:        "agent:waiting",
			Description: env.Message,
			Success:     true,
		}); err != nil {
			return err
		}
		if len(env.Questions) > 0 {
			qs := make([]Question, 0, len(env.Questions))
			for _, q := range env.Questions {
				qs = append(qs, Question{
					ID:       q.ID,
					Field:    q.Field,
					Prompt:   q.Prompt,
					Required: q.Required,
				})
			}
			if err := m.AddQuestions(env.SessionID, qs...); err != nil {
				return err
			}
		}
		return m.markWaiting(env.SessionID, env.Message)

	case protocol.EvtTaskComplete:
		if err := m.AppendTrace(env.SessionID, TraceEntry{
			Type:        "agent:complete",
			Description: env.Result,
			Success:     true,
		}); err != nil {
			return err
		}
		return m.Complete(env.SessionID, env.Result)

	case protocol.EvtTaskError:
		if err := m.AppendTrace(env.SessionID, TraceEntry{
			Type:        "agent:error",
			Description: env.Error,
			Success:     false,
			Error:       env.Error,
		}); err != nil {
			return err
		}
		return m.Fail(env.SessionID, env.Error)

	case protocol.EvtScreenshot:
		return m.AppendTrace(env.SessionID, TraceEntry{
			Type:        "agent:screenshot",
			Description: "screenshot captured",
			Success:     true,
			Screenshot:  env.Data,
		})

	default:
		m.logger.Debug("Unhandled event type",
			zap.String("type", string(env.Type)),
			zap.String("session_id", env.SessionID))
		return nil
	}
}

// markWaiting moves a working session into its waiting state: EXECUTING
// blocks, PLANNING asks for info. Any other state just records the message.
func (m *Manager) markWaiting(id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Terminal() {
		return nil
	}

	switch s.State {
	case StateExecuting:
		if _, err := m.transitionLocked(s, StateBlocked); err != nil {
			return err
		}
	case StatePlanning:
		if _, err := m.transitionLocked(s, StateNeedsInfo); err != nil {
			return err
		}
	}
	s.CurrentStep = message
	s.UpdatedAt = m.now().UTC()
	return nil
}
