// File: internal/session/session.go
package session

import "time"

// Question is one piece of information the agent still needs from the user
// before it can proceed. Immutable once created; the whole pending set is
// consumed by a transition back into PLANNING or READY.
type Question struct {
	ID       string   `json:"id"`
	Field    string   `json:"field"`
	Prompt   string   `json:"prompt"`
	Hint     string   `json:"hint,omitempty"`
	Required bool     `json:"required"`
	Kind     string   `json:"kind,omitempty"`
	Choices  []string `json:"choices,omitempty"`
}

// TraceEntry is one step of a session's execution history. Entries are
// append-only and never edited or deleted individually; the trace doubles as
// the postmortem record when a task fails.
type TraceEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"` // namespaced, e.g. "agent:click"
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	URL         string    `json:"url,omitempty"`
	Selector    string    `json:"selector,omitempty"`
	Value       string    `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
	Screenshot  string    `json:"screenshot,omitempty"`
}

// Session is one task lifecycle. All mutation goes through the Manager; the
// struct itself carries no locking, and callers outside this package only
// ever see deep copies.
type Session struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	StartURL string `json:"url,omitempty"`
	Context  string `json:"context,omitempty"`
	Domain   string `json:"domain,omitempty"`

	State State `json:"state"`

	// CollectedInfo grows by append/overwrite only; it never shrinks for
	// the life of the session.
	CollectedInfo    map[string]string `json:"collected_info,omitempty"`
	PendingQuestions []Question        `json:"pending_questions,omitempty"`
	ExecutionTrace   []TraceEntry      `json:"execution_trace,omitempty"`

	// Last-known scalar projections, overwritten as new events arrive.
	CurrentStep string `json:"current_step,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a deep copy safe to hand outside the manager's lock.
func (s *Session) clone() *Session {
	cp := *s
	if s.CollectedInfo != nil {
		cp.CollectedInfo = make(map[string]string, len(s.CollectedInfo))
		for k, v := range s.CollectedInfo {
			cp.CollectedInfo[k] = v
		}
	}
	if s.PendingQuestions != nil {
		cp.PendingQuestions = append([]Question(nil), s.PendingQuestions...)
	}
	if s.ExecutionTrace != nil {
		cp.ExecutionTrace = append([]TraceEntry(nil), s.ExecutionTrace...)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
