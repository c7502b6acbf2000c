package driver

import "github.com/lonelyclick/agentkeeper/pkg/backend"

// CompletionKind distinguishes the non-terminal milestones a generation
// reports while running.
type CompletionKind string

const (
	// CompletionContextReset means the conversation context was discarded
	// and the caller should start a brand-new backend session.
	CompletionContextReset CompletionKind = "context_reset"
	// CompletionCompactStarted brackets the start of a compaction pass.
	CompletionCompactStarted CompletionKind = "compact_started"
	// CompletionCompactCompleted brackets the end of a compaction pass.
	CompletionCompactCompleted CompletionKind = "compact_completed"
)

// Events receives generation milestones. Implementations embed NoopEvents
// and override what they care about.
type Events interface {
	// OnSessionID reports the backend session id, after its transcript is
	// confirmed on disk (or the wait timed out).
	OnSessionID(id string)
	// OnThinking flips the busy indicator.
	OnThinking(thinking bool)
	// OnCompletion reports a milestone within the generation.
	OnCompletion(kind CompletionKind)
	// OnReady fires after each successful result, before the next message
	// is fetched.
	OnReady()
	// OnAgentMessage observes every message from the backend stream.
	OnAgentMessage(msg backend.Message)
}

// NoopEvents is an Events implementation that ignores everything.
type NoopEvents struct{}

func (NoopEvents) OnSessionID(string)             {}
func (NoopEvents) OnThinking(bool)                {}
func (NoopEvents) OnCompletion(CompletionKind)    {}
func (NoopEvents) OnReady()                       {}
func (NoopEvents) OnAgentMessage(backend.Message) {}
