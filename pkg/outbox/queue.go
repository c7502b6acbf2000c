package outbox

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Message kinds delivered downstream.
const (
	KindText       = "text"
	KindToolResult = "tool_result"
)

// Message is one outgoing item.
type Message struct {
	ID              string `json:"id"`
	Kind            string `json:"kind"`
	Text            string `json:"text,omitempty"`
	ToolUseID       string `json:"tool_use_id,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
	Interrupted     bool   `json:"interrupted,omitempty"`
}

// Options defers delivery: the message is held until Delay elapses or any of
// ToolCallIDs is released, whichever comes first.
type Options struct {
	Delay       time.Duration
	ToolCallIDs []string
}

// Delivery receives released messages in order.
type Delivery func(msg Message)

type entry struct {
	msg     Message
	ready   bool
	timer   *clock.Timer
	toolIDs map[string]bool
}

// Queue is the per-generation outgoing-message queue.
type Queue struct {
	mu       sync.Mutex
	deliver  Delivery
	clock    clock.Clock
	logger   zerolog.Logger
	entries  []*entry
	disposed bool
}

// New creates a queue delivering through the given callback.
func New(deliver Delivery, clk clock.Clock, logger zerolog.Logger) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{deliver: deliver, clock: clk, logger: logger}
}

// Enqueue adds a message. Without options it is delivered immediately; with
// options it is held, ordered against the other held messages only.
func (q *Queue) Enqueue(msg Message, opts *Options) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.logger.Debug().Str("kind", msg.Kind).Msg("Dropping message, queue disposed")
		return
	}
	if msg.ID == "" {
		msg.ID = gonanoid.Must()
	}

	if opts == nil || (opts.Delay <= 0 && len(opts.ToolCallIDs) == 0) {
		q.mu.Unlock()
		q.dispatch([]Message{msg})
		return
	}

	e := &entry{msg: msg}
	if len(opts.ToolCallIDs) > 0 {
		e.toolIDs = make(map[string]bool, len(opts.ToolCallIDs))
		for _, id := range opts.ToolCallIDs {
			e.toolIDs[id] = true
		}
	}
	if opts.Delay > 0 {
		e.timer = q.clock.AfterFunc(opts.Delay, func() {
			q.release(func(c *entry) bool { return c == e })
		})
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

// ReleaseToolCall releases every message associated with the tool-call id.
func (q *Queue) ReleaseToolCall(id string) {
	q.release(func(e *entry) bool { return e.toolIDs[id] })
}

// Flush releases everything still held, preserving arrival order.
func (q *Queue) Flush() {
	q.release(func(*entry) bool { return true })
}

// Dispose stops timers and drops anything still held. Idempotent.
func (q *Queue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	q.disposed = true
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	if n := len(q.entries); n > 0 {
		q.logger.Debug().Int("dropped", n).Msg("Outbox disposed with held messages")
	}
	q.entries = nil
}

// Len returns the number of held messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) release(match func(*entry) bool) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	for _, e := range q.entries {
		if !e.ready && match(e) {
			e.ready = true
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	pending := q.drainLocked()
	q.mu.Unlock()

	q.dispatch(pending)
}

// drainLocked pops ready entries from the head. A held entry blocks
// everything behind it so arrival order survives.
func (q *Queue) drainLocked() []Message {
	var out []Message
	for len(q.entries) > 0 && q.entries[0].ready {
		out = append(out, q.entries[0].msg)
		q.entries = q.entries[1:]
	}
	return out
}

func (q *Queue) dispatch(msgs []Message) {
	if q.deliver == nil {
		return
	}
	for _, m := range msgs {
		q.deliver(m)
	}
}
