package task

import "sync"

// PartialStream carries progress values from a running task to the engine.
// Each invocation gets its own stream; sends block until the engine receives
// the value or the stream is closed.
type PartialStream struct {
	values chan any
	done   chan struct{}
	once   sync.Once
}

// NewPartialStream allocates an open stream.
func NewPartialStream() *PartialStream {
	return &PartialStream{
		values: make(chan any),
		done:   make(chan struct{}),
	}
}

// Values is the receive side consumed by the engine.
func (s *PartialStream) Values() <-chan any {
	return s.values
}

// Done is closed once the invocation has finished.
func (s *PartialStream) Done() <-chan struct{} {
	return s.done
}

// Close stops accepting values. Safe to call more than once.
func (s *PartialStream) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *PartialStream) send(value any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.values <- value:
		return true
	case <-s.done:
		return false
	}
}

// Meta identifies the invocation and exposes the partial emitter.
type Meta struct {
	JobID    string
	TaskName string
	partials *PartialStream
}

// NewMeta binds an invocation to a stream. A nil stream disables Emit.
func NewMeta(jobID, taskName string, stream *PartialStream) Meta {
	return Meta{JobID: jobID, TaskName: taskName, partials: stream}
}

// Streaming reports whether partial values will be forwarded.
func (m Meta) Streaming() bool {
	return m.partials != nil
}

// Emit reports a partial value. Consumers treat each value as the latest full
// snapshot of the output, not a delta. Returns false when the value was not
// delivered because the task is not streaming or the invocation has ended.
func (m Meta) Emit(value any) bool {
	if m.partials == nil {
		return false
	}
	return m.partials.send(value)
}
