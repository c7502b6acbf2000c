// Package outbox implements the outgoing-message queue for one generation.
// Messages may be held back until a delay elapses or an associated tool call
// is released, whichever comes first.
//
// Invariants:
// - Held messages are delivered in arrival order among themselves.
// - Dispose is idempotent; a disposed queue drops new messages.
// - Flush releases everything still held, in order.
//
// Usage:
//
//	q := outbox.New(deliver, clock.New(), logger)
//	q.Enqueue(outbox.Message{Kind: outbox.KindText, Text: "working..."},
//		&outbox.Options{Delay: 2 * time.Second, ToolCallIDs: []string{"tu_1"}})
//	q.ReleaseToolCall("tu_1")
//	q.Flush()
//	q.Dispose()
package outbox
