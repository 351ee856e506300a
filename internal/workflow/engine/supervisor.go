package engine

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// supervisor tracks dispatched goroutines so callers can wait for a job to
// quiesce, and turns panics into log lines instead of process crashes.
type supervisor struct {
	logger Logger

	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func newSupervisor(logger Logger) *supervisor {
	idle := make(chan struct{})
	close(idle)
	return &supervisor{logger: logger, idle: idle}
}

func (s *supervisor) Go(label string, fn func()) {
	s.mu.Lock()
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
	s.mu.Unlock()
	go func() {
		defer s.done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("dispatch panicked", "work", label, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

func (s *supervisor) Idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *supervisor) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
}
