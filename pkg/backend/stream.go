package backend

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Push after CloseSend.
var ErrStreamClosed = errors.New("stream closed")

const streamBuffer = 16

// Stream is the push side of a query: the caller pushes user messages as the
// conversation progresses and closes the stream when no more will come.
type Stream struct {
	ch        chan UserMessage
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStream creates an open user-message stream.
func NewStream() *Stream {
	return &Stream{
		ch:     make(chan UserMessage, streamBuffer),
		closed: make(chan struct{}),
	}
}

// Push appends a message. It never blocks the caller beyond the buffer.
func (s *Stream) Push(msg UserMessage) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	}
}

// CloseSend marks the stream finished. Idempotent.
func (s *Stream) CloseSend() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Recv blocks for the next pushed message. io.EOF after CloseSend once the
// buffer drains.
func (s *Stream) Recv(ctx context.Context) (UserMessage, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.closed:
		// Drain anything pushed before the close won the race.
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
			return UserMessage{}, io.EOF
		}
	case <-ctx.Done():
		return UserMessage{}, ctx.Err()
	}
}
