package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrQueryAborted is returned by MessageStream.Next when the generation was
// cancelled cooperatively. Callers must distinguish it from real failures.
var ErrQueryAborted = errors.New("query aborted")

// MessageType enumerates the agent message variants consumed by the driver.
type MessageType string

const (
	MessageTypeSystem    MessageType = "system"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeUser      MessageType = "user"
	MessageTypeResult    MessageType = "result"
)

// SubtypeInit marks the system message that announces the backend session id.
const SubtypeInit = "init"

// ContentBlock is one element of an assistant or user message body.
type ContentBlock struct {
	Type string `json:"type"` // text, tool_use, tool_result
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is the wire shape produced by the backend stream.
type Message struct {
	Type      MessageType    `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`

	// result fields
	IsError  bool      `json:"is_error,omitempty"`
	NumTurns int       `json:"num_turns,omitempty"`
	Result   string    `json:"result,omitempty"`
	Errors   ErrorList `json:"errors,omitempty"`
}

// ErrorList decodes the result error payload defensively: the backend has
// shipped both plain string arrays and object arrays, and older builds omit
// the field entirely. Anything unreadable decodes to an empty list.
type ErrorList []string

func (e *ErrorList) UnmarshalJSON(data []byte) error {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*e = plain
		return nil
	}
	var wrapped []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		out := make([]string, 0, len(wrapped))
		for _, w := range wrapped {
			if w.Message != "" {
				out = append(out, w.Message)
			}
		}
		*e = out
		return nil
	}
	*e = nil
	return nil
}

// Joined renders the error list as a single user-facing string.
func (e ErrorList) Joined() string {
	return strings.Join(e, "; ")
}

// ToolUses returns the tool_use blocks of an assistant message.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns the tool_result blocks of a user message.
func (m Message) ToolResults() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == "tool_result" {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// UserMessage is an outgoing turn pushed into the query stream.
type UserMessage struct {
	Text string `json:"text"`
}

// PermissionDecision is the outcome of a tool-permission check.
type PermissionDecision struct {
	Allow        bool
	Message      string
	UpdatedInput json.RawMessage
}

// PermissionFunc decides whether the backend may run a tool. It is bound to
// the generation's current mode by the caller.
type PermissionFunc func(ctx context.Context, toolName string, input json.RawMessage) (PermissionDecision, error)

// Options derives the backend invocation from session state and mode.
type Options struct {
	WorkingDir      string
	Model           string
	FallbackModel   string
	SystemPrompt    []string // fragments, merged in order
	AllowedTools    []string
	DisallowedTools []string
	PermissionMode  string
	Resume          string // backend session id to resume, empty for fresh
	ExtraArgs       []string
	Env             map[string]string
	CanUseTool      PermissionFunc
}

// MessageStream yields agent messages until io.EOF (normal end),
// ErrQueryAborted (cooperative cancel) or a transport failure.
type MessageStream interface {
	Next(ctx context.Context) (Message, error)
}

// AgentBackend runs one streaming query against the agent.
type AgentBackend interface {
	Query(ctx context.Context, in *Stream, opts Options) (MessageStream, error)
}
