// ABOUTME: Event channel that producers may keep emitting into while it closes
// ABOUTME: Shared by every Client implementation to honor the Events/Close contract

package chat

import "sync"

// EventStream owns a Client's Events channel. Emit never panics on a closed
// stream and Close unblocks producers waiting on a full buffer.
type EventStream struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewEventStream creates a stream buffering up to buffer events.
func NewEventStream(buffer int) *EventStream {
	return &EventStream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the receive side of the stream.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Done is closed when Close starts.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Emit delivers evt, blocking while the buffer is full. It returns false
// once the stream is closed.
func (s *EventStream) Emit(evt Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

// Close closes the Events channel. It is safe to call more than once.
func (s *EventStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// Closed reports whether Close was called.
func (s *EventStream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
