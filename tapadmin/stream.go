package tapadmin

import (
	"fmt"
	"sync"

	"github.com/peterbourgon/tap"
)

// Stream is the registry's view of an attached operator. The registry calls
// Send and Close only from its own goroutine, so implementations don't need
// to guard against concurrent calls from the registry. Neither method may
// block.
type Stream interface {
	// Send a trace to the operator. Return false if the trace was dropped,
	// e.g. because a buffer is full.
	Send(tr *tap.Trace) bool

	// Close terminates the stream from the registry side, with a reason. The
	// registry has already forgotten the stream when Close is called.
	Close(reason error)
}

// Stats for an attachment.
type Stats struct {
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
	Skips uint64 `json:"skips"`
}

func (s Stats) String() string {
	return fmt.Sprintf("sends=%d drops=%d skips=%d", s.Sends, s.Drops, s.Skips)
}

// ChanStream is a stream backed by a buffered channel. Traces that don't fit
// in the buffer are dropped. It's the stream used by the HTTP handler, and is
// also useful to attach to a registry programmatically.
type ChanStream struct {
	traces chan *tap.Trace
	done   chan struct{}
	once   sync.Once
	reason error
}

var _ Stream = (*ChanStream)(nil)

// NewChanStream returns a stream with the given buffer size. A size of zero
// means every Send that doesn't find a waiting receiver is dropped.
func NewChanStream(size int) *ChanStream {
	return &ChanStream{
		traces: make(chan *tap.Trace, size),
		done:   make(chan struct{}),
	}
}

// Send implements Stream.
func (s *ChanStream) Send(tr *tap.Trace) bool {
	select {
	case s.traces <- tr:
		return true
	default:
		return false
	}
}

// Close implements Stream. Only the first call has any effect.
func (s *ChanStream) Close(reason error) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// Traces returns the channel of sent traces. It's never closed.
func (s *ChanStream) Traces() <-chan *tap.Trace { return s.traces }

// Done is closed when the registry closes the stream.
func (s *ChanStream) Done() <-chan struct{} { return s.done }

// Err returns the reason given to Close, or nil if the stream is still open.
func (s *ChanStream) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}
