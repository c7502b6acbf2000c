package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lonelyclick/agentkeeper/pkg/backend"
	"github.com/lonelyclick/agentkeeper/pkg/session"
)

// Response is one recorded permission outcome for a tool call.
type Response struct {
	Approved     bool
	Mode         *session.Mode
	AllowedTools []string
	ReceivedAt   time.Time
}

// Handler decides tool-use permissions for a generation and observes the
// message flow so it can correlate decisions with tool calls.
type Handler interface {
	// Decide rules on a single tool use under the given mode.
	Decide(ctx context.Context, toolName string, input json.RawMessage, mode session.Mode) (backend.PermissionDecision, error)
	// OnMessage lets the handler observe every agent message.
	OnMessage(msg backend.Message)
	// OnModeChange tells the handler the session mode changed mid-stream.
	OnModeChange(mode session.Mode)
	// Responses returns the approval ledger keyed by tool call id.
	Responses() map[string]Response
	// IsAborted reports whether the user cancelled the given tool call.
	IsAborted(toolCallID string) bool
}

// Recorder is the in-memory Handler used by the run loop. It approves tool
// uses according to the mode's allow and deny lists and records the outcome.
type Recorder struct {
	logger zerolog.Logger

	mu          sync.Mutex
	responses   map[string]Response
	aborted     map[string]struct{}
	pending     string // most recent tool_use id awaiting a decision
	currentMode *session.Mode
}

// NewRecorder returns an empty Recorder.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{
		logger:    logger,
		responses: make(map[string]Response),
		aborted:   make(map[string]struct{}),
	}
}

// Decide implements Handler. Deny lists win over allow lists; an empty allow
// list permits everything the deny list does not name.
func (r *Recorder) Decide(ctx context.Context, toolName string, input json.RawMessage, mode session.Mode) (backend.PermissionDecision, error) {
	if err := ctx.Err(); err != nil {
		return backend.PermissionDecision{}, err
	}

	allowed := toolAllowed(toolName, mode)

	r.mu.Lock()
	id := r.pending
	r.pending = ""
	if id != "" {
		if _, seen := r.responses[id]; !seen {
			r.responses[id] = Response{
				Approved:     allowed,
				Mode:         r.currentMode,
				AllowedTools: mode.AllowedTools,
				ReceivedAt:   time.Now(),
			}
		}
	}
	r.mu.Unlock()

	if !allowed {
		r.logger.Debug().Str("tool", toolName).Msg("Tool use denied")
		return backend.PermissionDecision{Allow: false, Message: "tool not permitted in current mode"}, nil
	}
	return backend.PermissionDecision{Allow: true}, nil
}

func toolAllowed(toolName string, mode session.Mode) bool {
	for _, denied := range mode.DisallowedTools {
		if denied == toolName {
			return false
		}
	}
	if len(mode.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range mode.AllowedTools {
		if allowed == toolName {
			return true
		}
	}
	return false
}

// OnMessage implements Handler. It tracks the most recent tool_use id so the
// next Decide call can be attributed to it.
func (r *Recorder) OnMessage(msg backend.Message) {
	if msg.Type != backend.MessageTypeAssistant {
		return
	}
	uses := msg.ToolUses()
	if len(uses) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = uses[len(uses)-1].ID
	r.mu.Unlock()
}

// OnModeChange implements Handler. The new mode is stamped onto responses
// recorded from here on; past responses keep the mode they were decided in.
func (r *Recorder) OnModeChange(mode session.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := mode
	r.currentMode = &m
}

// Responses implements Handler.
func (r *Recorder) Responses() map[string]Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Response, len(r.responses))
	for id, resp := range r.responses {
		out[id] = resp
	}
	return out
}

// Abort marks a tool call as cancelled by the user.
func (r *Recorder) Abort(toolCallID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted[toolCallID] = struct{}{}
}

// IsAborted implements Handler.
func (r *Recorder) IsAborted(toolCallID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.aborted[toolCallID]
	return ok
}

// Reset clears all recorded state. The supervisor calls this when the
// backend session id changes between generations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = make(map[string]Response)
	r.aborted = make(map[string]struct{})
	r.pending = ""
}
