package llm

import (
	"context"
	"io"
	"sync"
)

// StreamEvent is one element of a completion stream. Usage is non-nil
// only on the final element, after which Recv returns io.EOF.
type StreamEvent struct {
	Delta string
	Usage *Usage
}

// Stream delivers completion fragments as the provider produces them.
// The producer goroutine writes to the channel; the consumer drains it
// with Recv and must Close when abandoning the stream early.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan StreamEvent

	errMu sync.Mutex
	err   error
}

func newStream(parent context.Context) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan StreamEvent, 32),
	}
}

// send delivers one event to the consumer. It returns false when the
// consumer closed the stream or the context ended.
func (s *Stream) send(ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish terminates the stream. On success it first emits the final
// usage-bearing event. Must be called exactly once, by the producer.
func (s *Stream) finish(usage Usage, err error) {
	if err == nil {
		s.send(StreamEvent{Usage: &usage})
	}
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.events)
}

// StreamWriter is the producer side of a piped stream.
type StreamWriter struct {
	s *Stream
}

// Send delivers one delta. It returns false when the consumer closed
// the stream, after which the producer should stop and call Finish.
func (w *StreamWriter) Send(delta string) bool {
	return w.s.send(StreamEvent{Delta: delta})
}

// Finish terminates the stream, emitting the final usage-bearing event
// on success. Must be called exactly once.
func (w *StreamWriter) Finish(usage Usage, err error) {
	w.s.finish(usage, err)
}

// Pipe creates a stream driven by an external producer. Provider
// implementations outside this package push deltas through the writer
// and end the stream with Finish.
func Pipe(parent context.Context) (*Stream, *StreamWriter) {
	s := newStream(parent)
	return s, &StreamWriter{s: s}
}

// Recv returns the next event. io.EOF signals normal completion, any
// other error a mid-stream failure.
func (s *Stream) Recv() (StreamEvent, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return StreamEvent{}, s.err
	}
	return StreamEvent{}, io.EOF
}

// Close stops the producer. Pending events are discarded. Safe to call
// multiple times and concurrently with Recv.
func (s *Stream) Close() error {
	s.cancel()
	return nil
}
