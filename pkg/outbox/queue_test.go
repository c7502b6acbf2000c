package outbox

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *capture) deliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *capture) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Text
	}
	return out
}

func setupQueue(t *testing.T) (*Queue, *capture, *clock.Mock) {
	t.Helper()
	c := &capture{}
	mock := clock.NewMock()
	q := New(c.deliver, mock, zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
	t.Cleanup(q.Dispose)
	return q, c, mock
}

func TestEnqueue(t *testing.T) {
	t.Run("should deliver immediately without options", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "now"}, nil)
		assert.Equal(t, []string{"now"}, c.texts())
	})

	t.Run("should assign an id when missing", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "x"}, nil)
		require.Len(t, c.msgs, 1)
		assert.NotEmpty(t, c.msgs[0].ID)
	})

	t.Run("should hold a delayed message until the delay elapses", func(t *testing.T) {
		q, c, mock := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "later"}, &Options{Delay: time.Second})
		assert.Empty(t, c.texts())
		assert.Equal(t, 1, q.Len())

		mock.Add(time.Second)
		assert.Equal(t, []string{"later"}, c.texts())
		assert.Equal(t, 0, q.Len())
	})
}

func TestReleaseToolCall(t *testing.T) {
	t.Run("should release on matching tool call before the delay", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "gated"}, &Options{
			Delay:       time.Minute,
			ToolCallIDs: []string{"tu_1", "tu_2"},
		})
		assert.Empty(t, c.texts())

		q.ReleaseToolCall("tu_2")
		assert.Equal(t, []string{"gated"}, c.texts())
	})

	t.Run("should ignore unknown tool calls", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "gated"}, &Options{ToolCallIDs: []string{"tu_1"}})
		q.ReleaseToolCall("tu_9")
		assert.Empty(t, c.texts())
	})
}

func TestOrdering(t *testing.T) {
	t.Run("should preserve arrival order among held messages", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "first"}, &Options{ToolCallIDs: []string{"a"}})
		q.Enqueue(Message{Kind: KindText, Text: "second"}, &Options{ToolCallIDs: []string{"b"}})

		// Releasing the later message first must not reorder delivery.
		q.ReleaseToolCall("b")
		assert.Empty(t, c.texts())

		q.ReleaseToolCall("a")
		assert.Equal(t, []string{"first", "second"}, c.texts())
	})

	t.Run("should deliver immediate messages without waiting on held ones", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "held"}, &Options{Delay: time.Minute})
		q.Enqueue(Message{Kind: KindText, Text: "direct"}, nil)
		assert.Equal(t, []string{"direct"}, c.texts())
	})
}

func TestFlush(t *testing.T) {
	t.Run("should release everything in order", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "a"}, &Options{Delay: time.Minute})
		q.Enqueue(Message{Kind: KindText, Text: "b"}, &Options{ToolCallIDs: []string{"x"}})

		q.Flush()
		assert.Equal(t, []string{"a", "b"}, c.texts())
	})
}

func TestDispose(t *testing.T) {
	t.Run("should drop held messages and be idempotent", func(t *testing.T) {
		q, c, mock := setupQueue(t)
		q.Enqueue(Message{Kind: KindText, Text: "doomed"}, &Options{Delay: time.Second})

		q.Dispose()
		q.Dispose()
		mock.Add(2 * time.Second)
		assert.Empty(t, c.texts())
	})

	t.Run("should drop messages enqueued after dispose", func(t *testing.T) {
		q, c, _ := setupQueue(t)
		q.Dispose()
		q.Enqueue(Message{Kind: KindText, Text: "late"}, nil)
		assert.Empty(t, c.texts())
	})
}
