// Package backend defines the coding-agent backend contract: a streaming
// query call fed by a push-able user-message stream, returning the agent's
// message stream.
//
// Invariants:
// - Cooperative cancellation surfaces as ErrQueryAborted and nothing else.
// - Messages are delivered in the order the backend produced them.
// - CloseSend ends the user stream exactly once; later calls are no-ops.
//
// Usage:
//
//	in := backend.NewStream()
//	msgs, _ := be.Query(ctx, in, backend.Options{WorkingDir: "/repo"})
//	_ = in.Push(backend.UserMessage{Text: "hello"})
//	msg, _ := msgs.Next(ctx)
//	_ = msg
package backend
