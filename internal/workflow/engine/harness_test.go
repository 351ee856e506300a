package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/persistence/memory"
	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// stubTask blocks each invocation until the test releases it with an outcome.
type stubTask struct {
	name    string
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan outcome
}

type outcome struct {
	result   any
	err      error
	partials []any
}

func newStubTask(name string) *stubTask {
	return &stubTask{
		name:    name,
		started: make(chan struct{}, 16),
		release: make(chan outcome, 16),
	}
}

func (s *stubTask) execute(ctx context.Context, input task.Input, meta task.Meta) (any, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.started <- struct{}{}
	out := <-s.release
	for _, value := range out.partials {
		meta.Emit(value)
	}
	return out.result, out.err
}

func (s *stubTask) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubTask) succeed(result any) { s.release <- outcome{result: result} }

func (s *stubTask) fail(msg string) { s.release <- outcome{err: errors.New(msg)} }

func (s *stubTask) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s never started", s.name)
	}
}

func (s *stubTask) assertNotStarted(t *testing.T) {
	t.Helper()
	select {
	case <-s.started:
		t.Fatalf("task %s started unexpectedly", s.name)
	default:
	}
}

// recorder captures every published event in order.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

func (r *recorder) ofType(kind eventbus.Type) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range r.all() {
		if e.Type() == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine    *Engine
	tasks     *task.Registry
	workflows *workflow.Registry
	snapshots *memory.Store
	bus       *eventbus.Bus
	events    *recorder
	stubs     map[string]*stubTask
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tasks:     task.NewRegistry(),
		snapshots: memory.New(),
		bus:       eventbus.New(),
		events:    &recorder{},
		stubs:     map[string]*stubTask{},
	}
	h.workflows = workflow.NewRegistry(h.tasks)
	h.bus.SubscribeAll(h.events.handle)
	h.engine = h.newEngine(t)
	return h
}

// newEngine builds a fresh engine over the same registries and persistence,
// standing in for a process restart.
func (h *harness) newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(h.tasks, h.workflows, h.snapshots, h.bus)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func (h *harness) addTask(t *testing.T, def task.Definition) *stubTask {
	t.Helper()
	stub := newStubTask(def.Name)
	if def.Execute == nil {
		def.Execute = stub.execute
	}
	if err := h.tasks.Register(def); err != nil {
		t.Fatalf("register task %s: %v", def.Name, err)
	}
	h.stubs[def.Name] = stub
	return stub
}

func (h *harness) addWorkflow(t *testing.T, def workflow.Definition) {
	t.Helper()
	if err := h.workflows.Register(def); err != nil {
		t.Fatalf("register workflow %s: %v", def.Name, err)
	}
}

// diamond registers W: A and B are entry tasks and C runs after both.
func (h *harness) diamond(t *testing.T) {
	t.Helper()
	h.addTask(t, task.Definition{Name: "A", InputKeys: []string{"x"}, Provides: "a"})
	h.addTask(t, task.Definition{Name: "B", InputKeys: []string{"x"}, Provides: "b"})
	h.addTask(t, task.Definition{Name: "C", InputKeys: []string{"a", "b"}, Provides: "c"})
	h.addWorkflow(t, workflow.Definition{Name: "W", Tasks: []workflow.TaskRef{
		{Name: "A"}, {Name: "B"}, {Name: "C", After: []string{"A", "B"}},
	}})
}

func (h *harness) waitFor(t *testing.T, jobID string, cond func(workflow.Snapshot) bool) workflow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := h.engine.GetWorkflowSteps(context.Background(), jobID)
		if err == nil && cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met for %s; last snapshot %+v (err %v)", jobID, snap, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func taskIs(name string, status workflow.TaskStatus) func(workflow.Snapshot) bool {
	return func(s workflow.Snapshot) bool { return s.TaskStates[name] == status }
}
