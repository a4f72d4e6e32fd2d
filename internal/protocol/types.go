// File: internal/protocol/types.go
package protocol

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON is the shared fast JSON codec for all wire payloads.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is a deferred-decode JSON fragment.
type RawMessage = jsoniter.RawMessage

// MessageType tags a wire or internal message.
type MessageType string

// Controller-facing wire vocabulary (commands in, events out).
const (
	CmdStartTask   MessageType = "start_task"
	CmdSendMessage MessageType = "send_message"
	CmdStopTask    MessageType = "stop_task"
	CmdScreenshot  MessageType = "screenshot"
	CmdPoll        MessageType = "poll"

	EvtTaskUpdate   MessageType = "task_update"
	EvtTaskWaiting  MessageType = "task_waiting"
	EvtTaskComplete MessageType = "task_complete"
	EvtTaskError    MessageType = "task_error"
	EvtScreenshot   MessageType = "screenshot"
	EvtPollResult   MessageType = "poll_result"
)

// Agent-internal vocabulary. The command dispatcher only ever sees these.
const (
	AgentStart   MessageType = "start"
	AgentMessage MessageType = "message"
	AgentStop    MessageType = "stop"
	AgentCapture MessageType = "capture"

	AgentUpdate        MessageType = "update"
	AgentWaiting       MessageType = "waiting"
	AgentComplete      MessageType = "complete"
	AgentError         MessageType = "err"
	AgentCaptureResult MessageType = "capture_result"
)

// Relay control vocabulary, exchanged between a client and the broker.
const (
	TypeRegister   MessageType = "register"
	TypeRegistered MessageType = "registered"
	TypeError      MessageType = "error"
)

// Question is one piece of information the agent needs from the user before
// a task can proceed, carried on a task_waiting event so the controller's
// mirror holds the same pending set as the agent.
type Question struct {
	ID       string `json:"id"`
	Field    string `json:"field,omitempty"`
	Prompt   string `json:"prompt"`
	Required bool   `json:"required,omitempty"`
}

// Envelope is the single message shape carried by both transports. Fields are
// sparse; which ones are meaningful depends on Type.
type Envelope struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`

	// Command fields.
	Task    string `json:"task,omitempty"`
	URL     string `json:"url,omitempty"`
	Context string `json:"context,omitempty"`
	Message string `json:"message,omitempty"`
	Remove  bool   `json:"remove,omitempty"`

	// Event fields.
	Step      string     `json:"step,omitempty"`
	Status    string     `json:"status,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Data      string     `json:"data,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	// Relay registration.
	Role string `json:"role,omitempty"`

	// ReplyTo correlates a response with its originating request ID.
	ReplyTo string `json:"replyTo,omitempty"`

	// Batch bundles queued events in a poll response. Items stay raw until
	// unpacking so one corrupt item cannot poison its siblings.
	Batch []RawMessage `json:"batch,omitempty"`
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	return JSON.Marshal(env)
}

// Decode parses an envelope from its wire form.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := JSON.Unmarshal(data, &env)
	return env, err
}
