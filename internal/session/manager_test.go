// File: internal/session/manager_test.go
package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relayforge/agentbus/internal/config"
	"github.com/relayforge/agentbus/internal/protocol"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.SessionConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		TraceTail:     20,
	}
	return NewManager(cfg, zaptest.NewLogger(t))
}

func TestTransitionAdjacencyProperty(t *testing.T) {
	// Every declared edge succeeds, every undeclared edge fails without
	// mutation. Exhaustive over the full state x target matrix.
	for _, from := range AllStates() {
		for _, to := range AllStates() {
			m := newTestManager(t)
			_, err := m.Create("s1", "task", "", "")
			require.NoError(t, err)

			m.mu.Lock()
			m.sessions["s1"].State = from
			m.mu.Unlock()

			prev, next, err := m.Transition("s1", to)
			if from.CanTransition(to) {
				require.NoError(t, err, "%s -> %s should be legal", from, to)
				assert.Equal(t, from, prev)
				assert.Equal(t, to, next)
			} else {
				require.Error(t, err, "%s -> %s should be illegal", from, to)
				var stateErr *StateError
				require.ErrorAs(t, err, &stateErr)

				got, gerr := m.Get("s1")
				require.NoError(t, gerr)
				assert.Equal(t, from, got.State, "failed transition must not mutate")
			}
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled} {
		require.True(t, terminal.Terminal())
		for _, to := range AllStates() {
			assert.False(t, terminal.CanTransition(to),
				"terminal %s must not transition to %s", terminal, to)
		}
	}
}

func TestTransitionUnknownSession(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.Transition("ghost", StatePlanning)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "ghost", stateErr.SessionID)
}

func TestStartTaskScenario(t *testing.T) {
	m := newTestManager(t)

	s, err := m.StartTask("s1", "buy a thing", "https://example.com", "", false)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, s.State)

	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskUpdate, SessionID: "s1", Step: "clicked button",
	}))
	s, err = m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "clicked button", s.CurrentStep)
	require.Len(t, s.ExecutionTrace, 1)
	assert.Equal(t, "agent:update", s.ExecutionTrace[0].Type)

	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskComplete, SessionID: "s1", Result: "done",
	}))
	s, err = m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, "done", s.Answer)
	require.NotNil(t, s.CompletedAt)
}

func TestStartTaskWithPlanning(t *testing.T) {
	m := newTestManager(t)
	s, err := m.StartTask("", "research task", "", "needs domain knowledge", true)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatePlanning, s.State)
}

func TestCompleteIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.Complete("s1", "first answer"))
	first, err := m.Get("s1")
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	// Second completion must change nothing, including completedAt.
	require.NoError(t, m.Complete("s1", "different answer"))
	second, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "first answer", second.Answer)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	assert.Equal(t, len(first.ExecutionTrace), len(second.ExecutionTrace))
}

func TestCompleteEventTwiceNoDuplicateEffect(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	complete := protocol.Envelope{Type: protocol.EvtTaskComplete, SessionID: "s1", Result: "done"}
	require.NoError(t, m.ApplyEvent(complete))
	first, err := m.Get("s1")
	require.NoError(t, err)

	require.NoError(t, m.ApplyEvent(complete))
	second, err := m.Get("s1")
	require.NoError(t, err)

	// The repeat arrives for a terminal session: trace frozen, scalars
	// untouched.
	assert.Equal(t, len(first.ExecutionTrace), len(second.ExecutionTrace))
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	assert.Equal(t, first.Answer, second.Answer)
}

func TestTaskErrorFailsSessionKeepsTrace(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskUpdate, SessionID: "s1", Step: "step one",
	}))
	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskError, SessionID: "s1", Error: "element vanished",
	}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, "element vanished", s.Error)
	// Trace intact for postmortem: the update plus the error entry.
	require.Len(t, s.ExecutionTrace, 2)
	assert.False(t, s.ExecutionTrace[1].Success)
}

func TestTerminalSessionNeverResurrects(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)
	require.NoError(t, m.Fail("s1", "boom"))

	// Late updates for the dead session are swallowed, not applied.
	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskUpdate, SessionID: "s1", Step: "zombie step",
	}))
	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskComplete, SessionID: "s1", Result: "too late",
	}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State)
	assert.Empty(t, s.Answer)
	assert.NotEqual(t, "zombie step", s.CurrentStep)
}

func TestExecutingToPlanningPreservesProgress(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.MergeInfo("s1", map[string]string{"account": "alice"}))
	require.NoError(t, m.AppendTrace("s1", TraceEntry{Type: "agent:click", Description: "login", Success: true}))

	// Mid-task knowledge gap: loop back to PLANNING and resume.
	_, _, err = m.Transition("s1", StatePlanning)
	require.NoError(t, err)

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.CollectedInfo["account"])
	require.Len(t, s.ExecutionTrace, 1)
}

func TestReentryToPlanningClearsQuestions(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", true)
	require.NoError(t, err)

	_, _, err = m.Transition("s1", StateNeedsInfo)
	require.NoError(t, err)
	require.NoError(t, m.AddQuestions("s1", Question{ID: "q1", Field: "budget", Prompt: "How much?", Required: true}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	require.Len(t, s.PendingQuestions, 1)

	_, _, err = m.Transition("s1", StatePlanning)
	require.NoError(t, err)

	s, err = m.Get("s1")
	require.NoError(t, err)
	assert.Empty(t, s.PendingQuestions)
}

func TestWaitingEventBlocksExecutingSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskWaiting, SessionID: "s1", Message: "need 2FA code",
	}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, s.State)
	assert.Equal(t, "need 2FA code", s.CurrentStep)
}

func TestWaitingEventRecordsPendingQuestions(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	require.NoError(t, m.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskWaiting, SessionID: "s1", Message: "what is your budget?",
		Questions: []protocol.Question{
			{ID: "q1", Field: "user_message", Prompt: "what is your budget?", Required: true},
		},
	}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, s.State)
	require.Len(t, s.PendingQuestions, 1)
	assert.Equal(t, "q1", s.PendingQuestions[0].ID)
	assert.Equal(t, "what is your budget?", s.PendingQuestions[0].Prompt)
	assert.True(t, s.PendingQuestions[0].Required)
}

func TestStopTaskKeepVersusRemove(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StartTask("keep", "t", "", "", false)
	require.NoError(t, err)
	require.NoError(t, m.MergeInfo("keep", map[string]string{"field": "value"}))
	_, err = m.StartTask("drop", "t", "", "", false)
	require.NoError(t, err)

	// remove=false: cancelled but queryable, collected info intact.
	require.NoError(t, m.StopTask("keep", false))
	s, err := m.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, "value", s.CollectedInfo["field"])

	// Stopping again is a no-op, not an illegal transition.
	require.NoError(t, m.StopTask("keep", false))

	// remove=true: gone entirely.
	require.NoError(t, m.StopTask("drop", true))
	_, err = m.Get("drop")
	assert.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, m.StopTask("drop", true), ErrNotFound)
}

func TestSweepIdleRemovesAnyState(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	_, err := m.StartTask("stale-executing", "t", "", "", false)
	require.NoError(t, err)
	_, err = m.StartTask("stale-done", "t", "", "", false)
	require.NoError(t, err)
	require.NoError(t, m.Complete("stale-done", "ok"))

	// Advance past the idle timeout, then create one fresh session.
	m.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err = m.StartTask("fresh", "t", "", "", false)
	require.NoError(t, err)

	reaped := m.SweepIdle()
	assert.Equal(t, 2, reaped)
	assert.Equal(t, 1, m.Len())

	_, err = m.Get("fresh")
	assert.NoError(t, err)
	_, err = m.Get("stale-executing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceTail(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendTrace("s1", TraceEntry{
			Type:        "agent:update",
			Description: string(rune('a' + i)),
			Success:     true,
		}))
	}

	tail, err := m.Trace("s1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "d", tail[0].Description)
	assert.Equal(t, "e", tail[1].Description)

	full, err := m.Trace("s1", 0)
	require.NoError(t, err)
	assert.Len(t, full, 5)
}

func TestCreateDuplicateID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("s1", "t", "", "")
	require.NoError(t, err)
	_, err = m.Create("s1", "other", "", "")
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestGetReturnsDeepCopy(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartTask("s1", "t", "", "", false)
	require.NoError(t, err)
	require.NoError(t, m.MergeInfo("s1", map[string]string{"k": "v"}))

	s, err := m.Get("s1")
	require.NoError(t, err)
	s.CollectedInfo["k"] = "tampered"
	s.ExecutionTrace = append(s.ExecutionTrace, TraceEntry{Type: "fake"})

	again, err := m.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.CollectedInfo["k"])
	assert.Empty(t, again.ExecutionTrace)
}
