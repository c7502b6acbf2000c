package supervisor

import (
	"context"

	"github.com/lonelyclick/agentkeeper/pkg/session"
)

// ChanInbox is a channel-backed Inbox fed by an external producer (the CLI
// stdin reader, a bot frontend).
type ChanInbox struct {
	ch chan session.PendingMessage
}

// NewChanInbox returns an inbox buffering up to size messages.
func NewChanInbox(size int) *ChanInbox {
	if size <= 0 {
		size = 64
	}
	return &ChanInbox{ch: make(chan session.PendingMessage, size)}
}

// Push hands a message to the supervisor. It blocks when the buffer is full.
func (i *ChanInbox) Push(msg session.PendingMessage) {
	i.ch <- msg
}

// Poll implements Inbox without blocking.
func (i *ChanInbox) Poll() *session.PendingMessage {
	select {
	case msg := <-i.ch:
		return &msg
	default:
		return nil
	}
}

// Await implements Inbox, blocking until a message arrives or ctx ends.
func (i *ChanInbox) Await(ctx context.Context) (*session.PendingMessage, error) {
	select {
	case msg := <-i.ch:
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
