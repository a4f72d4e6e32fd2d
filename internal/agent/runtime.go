// File: internal/agent/runtime.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/llmclient"
	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/registry"
	"github.com/relayforge/agentbus/internal/session"
)

const (
	// maxTaskSteps bounds one task's action loop. A task that cannot
	// finish in this many steps is failed rather than left spinning.
	maxTaskSteps = 40

	// Structural query shape handed to the page querier each step.
	queryFilter   = "interactive"
	queryDepth    = 12
	queryMaxChars = 16000
)

const plannerSystemPrompt = `You control a web browser to complete a task for the user.
Each turn you receive the page's interactive elements, keyed by handle.
Reply with a single JSON object:
  {"action":"click|type|scroll|navigate|done|ask","handle":"...","x":0,"y":0,"text":"...","reason":"..."}
Use "done" with "text" set to the final answer when the task is complete.
Use "ask" with "text" set to a question when you are missing information only the user has.
Coordinates are in captured-image space.`

// stepPlan is the planner's answer for one step.
type stepPlan struct {
	Action string  `json:"action"`
	Handle string  `json:"handle,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Text   string  `json:"text,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Runtime drives task sessions against a live browser tab. One Runtime per
// agent process; multiple sessions may run concurrently, each in its own
// goroutine, with all session mutation funneled through the orchestrator.
type Runtime struct {
	logger   *zap.Logger
	sender   Sender
	norm     *protocol.Normalizer
	sessions *session.Manager
	registry *registry.Registry
	llm      llmclient.Caller
	exec     InputExecutor
	pager    PageQuerier
	capturer ScreenCapturer

	mu      sync.Mutex
	scaler  registry.Scaler
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New wires a runtime. All collaborators are required except the capturer,
// which degrades screenshot commands to errors when absent.
func New(
	sender Sender,
	norm *protocol.Normalizer,
	sessions *session.Manager,
	reg *registry.Registry,
	llm llmclient.Caller,
	exec InputExecutor,
	pager PageQuerier,
	capturer ScreenCapturer,
	logger *zap.Logger,
) *Runtime {
	return &Runtime{
		logger:   logger.Named("agent_runtime"),
		sender:   sender,
		norm:     norm,
		sessions: sessions,
		registry: reg,
		llm:      llm,
		exec:     exec,
		pager:    pager,
		capturer: capturer,
		scaler:   registry.NewScaler(registry.Size{}, registry.Size{}),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Sessions exposes the orchestrator for the status surfaces.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// HandleMessage is the bus-facing entry point. Batched poll replies are
// unpacked first; every item is then normalized and dispatched
// independently, so one bad item never blocks the rest.
func (r *Runtime) HandleMessage(env protocol.Envelope) {
	if len(env.Batch) > 0 {
		for _, item := range r.norm.UnpackBatch(env) {
			r.HandleMessage(item)
		}
		return
	}

	cmd, ok := r.norm.Inbound(env)
	if !ok {
		return
	}

	ctx := context.Background()
	switch cmd.Type {
	case protocol.AgentStart:
		r.startTask(ctx, cmd)
	case protocol.AgentMessage:
		r.userMessage(ctx, cmd)
	case protocol.AgentStop:
		r.stopTask(cmd)
	case protocol.AgentCapture:
		r.captureScreenshot(ctx, cmd)
	default:
		// Forward-compatible: unknown commands pass through the
		// normalizer untouched and are dropped here with a note.
		r.logger.Debug("Unhandled command", zap.String("type", string(cmd.Type)))
	}
}

// Stop cancels every running task and waits for the loops to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runtime) startTask(ctx context.Context, cmd protocol.Envelope) {
	s, err := r.sessions.StartTask(cmd.SessionID, cmd.Task, cmd.URL, cmd.Context, false)
	if err != nil {
		r.emit(ctx, protocol.Envelope{
			Type: protocol.AgentError, SessionID: cmd.SessionID, Error: err.Error(),
		})
		return
	}

	if s.StartURL != "" {
		if _, err := r.exec.ExecuteInputAction(ctx, "", "navigate", ActionParams{URL: s.StartURL}); err != nil {
			r.failTask(ctx, s.ID, fmt.Sprintf("navigate to start url: %v", err))
			return
		}
		r.registry.Clear()
	}

	r.spawnTaskLoop(s.ID)
}

// userMessage folds a user reply into the session and resumes a session
// that was waiting on it.
func (r *Runtime) userMessage(ctx context.Context, cmd protocol.Envelope) {
	id := cmd.SessionID
	if err := r.sessions.MergeInfo(id, map[string]string{"user_message": cmd.Message}); err != nil {
		r.logger.Warn("Message for unknown session", zap.String("session_id", id))
		return
	}

	s, err := r.sessions.Get(id)
	if err != nil {
		return
	}

	switch s.State {
	case session.StateBlocked, session.StateNeedsInfo:
		for _, target := range []session.State{session.StatePlanning, session.StateReady, session.StateExecuting} {
			if _, _, err := r.sessions.Transition(id, target); err != nil {
				r.logger.Warn("Resume transition failed", zap.String("session_id", id), zap.Error(err))
				return
			}
		}
		r.spawnTaskLoop(id)
	default:
		// Message for a session that is not waiting: recorded, nothing
		// to resume.
	}
}

func (r *Runtime) stopTask(cmd protocol.Envelope) {
	id := cmd.SessionID

	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()

	if err := r.sessions.StopTask(id, cmd.Remove); err != nil && !errors.Is(err, session.ErrNotFound) {
		r.logger.Warn("Stop task failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (r *Runtime) captureScreenshot(ctx context.Context, cmd protocol.Envelope) {
	reply := protocol.Envelope{
		Type:      protocol.AgentCaptureResult,
		SessionID: cmd.SessionID,
		ReplyTo:   cmd.ID,
	}

	if r.capturer == nil {
		reply.Error = "screenshot capture not available"
		r.emit(ctx, reply)
		return
	}

	shot, err := r.capturer.CaptureScreenshot(ctx, "")
	if err != nil {
		reply.Error = err.Error()
		r.emit(ctx, reply)
		return
	}

	// Every fresh capture re-derives the coordinate scale; it is never
	// carried across navigations.
	r.mu.Lock()
	r.scaler = registry.NewScaler(shot.Viewport, shot.Size)
	r.mu.Unlock()

	reply.Data = shot.Data
	r.emit(ctx, reply)
}

func (r *Runtime) spawnTaskLoop(id string) {
	taskCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if _, running := r.cancels[id]; running {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancels[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			if r.cancels[id] != nil {
				r.cancels[id]()
				delete(r.cancels, id)
			}
			r.mu.Unlock()
		}()
		r.runTask(taskCtx, id)
	}()
}

// runTask is one session's plan/act loop. It observes the session state at
// every step so an external cancellation is honored opportunistically
// rather than by forced interruption.
func (r *Runtime) runTask(ctx context.Context, id string) {
	for step := 0; step < maxTaskSteps; step++ {
		if ctx.Err() != nil {
			return
		}
		s, err := r.sessions.Get(id)
		if err != nil || s.State != session.StateExecuting {
			return
		}

		view, err := r.pager.QueryStructuredPage(ctx, "", queryFilter, queryDepth, queryMaxChars, "")
		if err != nil {
			r.failTask(ctx, id, fmt.Sprintf("page query: %v", err))
			return
		}

		plan, err := r.planStep(ctx, s, view)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, llmclient.ErrTimeout) {
				// Timed-out planning is retried on the next step; the
				// step still counts against the budget.
				r.logger.Warn("Planner timed out, retrying", zap.String("session_id", id))
				continue
			}
			r.failTask(ctx, id, fmt.Sprintf("planning: %v", err))
			return
		}

		done, err := r.applyPlan(ctx, id, plan)
		if err != nil {
			r.failTask(ctx, id, err.Error())
			return
		}
		if done {
			return
		}
	}

	r.failTask(ctx, id, fmt.Sprintf("task did not finish within %d steps", maxTaskSteps))
}

func (r *Runtime) planStep(ctx context.Context, s *session.Session, view *PageView) (*stepPlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", s.Task)
	if s.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", s.Context)
	}
	for k, v := range s.CollectedInfo {
		fmt.Fprintf(&b, "Known %s: %s\n", k, v)
	}
	if n := len(s.ExecutionTrace); n > 0 {
		fmt.Fprintf(&b, "Steps so far (%d):\n", n)
		tail := s.ExecutionTrace
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		for _, entry := range tail {
			fmt.Fprintf(&b, "- %s\n", entry.Description)
		}
	}
	fmt.Fprintf(&b, "\nPage %q (%s):\n%s\n", view.Title, view.URL, view.Tree)

	resp, err := r.llm.CallModel(ctx, b.String(), plannerSystemPrompt, 0, llmclient.TierPowerful)
	if err != nil {
		return nil, err
	}
	return llmclient.ParseJSON[stepPlan](resp.Content)
}

// applyPlan executes one planner decision. Returns done=true when the task
// loop should stop, for completion and waiting alike.
func (r *Runtime) applyPlan(ctx context.Context, id string, plan *stepPlan) (bool, error) {
	switch plan.Action {
	case "done":
		if err := r.sessions.ApplyEvent(protocol.Envelope{
			Type: protocol.EvtTaskComplete, SessionID: id, Result: plan.Text,
		}); err != nil {
			return true, err
		}
		r.emit(ctx, protocol.Envelope{
			Type: protocol.AgentComplete, SessionID: id, Result: plan.Text,
		})
		return true, nil

	case "ask":
		// The question rides on the waiting event so the controller mirror
		// holds the same pending set; the answer comes back through
		// send_message and lands in collectedInfo under the question field.
		questions := []protocol.Question{{
			ID:       uuid.New().String(),
			Field:    "user_message",
			Prompt:   plan.Text,
			Required: true,
		}}
		if err := r.sessions.ApplyEvent(protocol.Envelope{
			Type: protocol.EvtTaskWaiting, SessionID: id, Message: plan.Text, Questions: questions,
		}); err != nil {
			return true, err
		}
		r.emit(ctx, protocol.Envelope{
			Type: protocol.AgentWaiting, SessionID: id, Message: plan.Text, Questions: questions,
		})
		return true, nil

	case "click", "type", "scroll", "navigate":
		params, err := r.buildParams(plan)
		if err != nil {
			return false, err
		}
		desc := plan.Reason
		if desc == "" {
			desc = plan.Action
		}

		if _, err := r.exec.ExecuteInputAction(ctx, "", plan.Action, params); err != nil {
			return false, fmt.Errorf("%s failed: %v", plan.Action, err)
		}
		if plan.Action == "navigate" {
			// Navigation invalidates every handle at once.
			r.registry.Clear()
		}

		_ = r.sessions.AppendTrace(id, session.TraceEntry{
			Type:        "agent:" + plan.Action,
			Description: desc,
			Success:     true,
			Value:       plan.Text,
			URL:         params.URL,
		})
		_ = r.sessions.SetCurrentStep(id, desc)
		r.emit(ctx, protocol.Envelope{
			Type: protocol.AgentUpdate, SessionID: id, Step: desc,
		})
		return false, nil

	default:
		return false, fmt.Errorf("planner returned unknown action %q", plan.Action)
	}
}

// buildParams normalizes a plan into executor inputs: handles are resolved
// through the registry, raw coordinates rescaled from captured-image space
// into the live viewport.
func (r *Runtime) buildParams(plan *stepPlan) (ActionParams, error) {
	params := ActionParams{Handle: plan.Handle, Text: plan.Text}

	if plan.Action == "navigate" {
		params.URL = plan.Text
		params.Text = ""
		return params, nil
	}

	if plan.Handle != "" {
		if _, err := r.registry.Resolve(plan.Handle); err != nil {
			return params, fmt.Errorf("element %s is gone: %w", plan.Handle, err)
		}
		return params, nil
	}

	r.mu.Lock()
	params.X, params.Y = r.scaler.ToViewport(plan.X, plan.Y)
	r.mu.Unlock()
	return params, nil
}

func (r *Runtime) failTask(ctx context.Context, id, msg string) {
	if err := r.sessions.ApplyEvent(protocol.Envelope{
		Type: protocol.EvtTaskError, SessionID: id, Error: msg,
	}); err != nil {
		r.logger.Warn("Recording task failure failed", zap.String("session_id", id), zap.Error(err))
	}
	r.emit(ctx, protocol.Envelope{
		Type: protocol.AgentError, SessionID: id, Error: msg,
	})
}

// emit normalizes an internal event to its wire tag and sends it. Transport
// errors are logged, never surfaced as task failures; the selector retries
// on its other channel before anything reaches us.
func (r *Runtime) emit(ctx context.Context, env protocol.Envelope) {
	if err := r.sender.Send(ctx, r.norm.Outbound(env)); err != nil {
		r.logger.Warn("Event emit failed",
			zap.String("type", string(env.Type)),
			zap.String("session_id", env.SessionID),
			zap.Error(err))
	}
}
