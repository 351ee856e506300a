package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tianpai/kairos-sub000/internal/task"
)

func newTaskRegistry(t *testing.T, defs ...task.Definition) *task.Registry {
	t.Helper()
	reg := task.NewRegistry()
	for _, def := range defs {
		if def.Execute == nil {
			def.Execute = func(context.Context, task.Input, task.Meta) (any, error) { return nil, nil }
		}
		if err := reg.Register(def); err != nil {
			t.Fatalf("register task %s: %v", def.Name, err)
		}
	}
	return reg
}

func TestRegistryRegistersValidWorkflow(t *testing.T) {
	tasks := newTaskRegistry(t, task.Definition{Name: "a"}, task.Definition{Name: "b"}, task.Definition{Name: "c"})
	reg := NewRegistry(tasks)
	def := Definition{Name: "w", Tasks: []TaskRef{
		{Name: "c", After: []string{"a", "b"}}, {Name: "a"}, {Name: "b"},
	}}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	entries := reg.EntryTasks("w")
	if len(entries) != 2 || entries[0] != "a" || entries[1] != "b" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	order := reg.Order("w")
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("c should sort last, got %v", order)
	}
	if !reg.PrerequisitesSatisfied("w", "c", map[string]bool{"a": true, "b": true}) {
		t.Fatalf("expected c satisfied")
	}
	var dup *DuplicateWorkflowError
	if err := reg.Register(def); !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegistryRejectsUnknownTask(t *testing.T) {
	reg := NewRegistry(newTaskRegistry(t, task.Definition{Name: "a"}))
	err := reg.Register(Definition{Name: "w", Tasks: []TaskRef{{Name: "a"}, {Name: "ghost", After: []string{"a"}}}})
	var unknown *UnknownTaskError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTaskError, got %v", err)
	}
	if unknown.Task != "ghost" || unknown.Workflow != "w" {
		t.Fatalf("unexpected error fields: %+v", unknown)
	}
	if _, ok := reg.Lookup("w"); ok {
		t.Fatalf("failed registration must not install the workflow")
	}
}

func TestRegistryRejectsCycles(t *testing.T) {
	reg := NewRegistry(newTaskRegistry(t,
		task.Definition{Name: "a"}, task.Definition{Name: "b"}, task.Definition{Name: "c"}, task.Definition{Name: "d"},
	))
	err := reg.Register(Definition{Name: "loop", Tasks: []TaskRef{
		{Name: "a"},
		{Name: "b", After: []string{"a", "d"}},
		{Name: "c", After: []string{"b"}},
		{Name: "d", After: []string{"c"}},
	}})
	var cyclic *CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if len(cyclic.Tasks) != 3 {
		t.Fatalf("expected b, c, d in cycle report, got %v", cyclic.Tasks)
	}
}

func TestRegistryRejectsSelfLoopAsCycle(t *testing.T) {
	reg := NewRegistry(newTaskRegistry(t, task.Definition{Name: "a"}))
	err := reg.Register(Definition{Name: "w", Tasks: []TaskRef{{Name: "a", After: []string{"a"}}}})
	var cyclic *CyclicDependencyError
	if !errors.As(err, &cyclic) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if len(cyclic.Tasks) != 1 || cyclic.Tasks[0] != "a" {
		t.Fatalf("unexpected cycle report %v", cyclic.Tasks)
	}
}

func TestRegistryClassifiesDanglingPrerequisites(t *testing.T) {
	reg := NewRegistry(newTaskRegistry(t, task.Definition{Name: "a"}, task.Definition{Name: "b"}))

	err := reg.Register(Definition{Name: "w", Tasks: []TaskRef{{Name: "a", After: []string{"ghost"}}}})
	var unknown *UnknownTaskError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTaskError, got %v", err)
	}
	if unknown.Task != "ghost" {
		t.Fatalf("unexpected unknown task %q", unknown.Task)
	}

	err = reg.Register(Definition{Name: "w", Tasks: []TaskRef{{Name: "a", After: []string{"b"}}}})
	if err == nil || errors.As(err, &unknown) {
		t.Fatalf("expected a plain error for a registered task outside the workflow, got %v", err)
	}
	if !strings.Contains(err.Error(), "not part of the workflow") {
		t.Fatalf("unexpected error %v", err)
	}
	if _, ok := reg.Lookup("w"); ok {
		t.Fatalf("failed registration must not install the workflow")
	}
}

func TestRegistryChecksDeclaredInputs(t *testing.T) {
	tasks := newTaskRegistry(t,
		task.Definition{Name: "parse", InputKeys: []string{"resume"}, Provides: "parsed"},
		task.Definition{Name: "analyze", InputKeys: []string{"posting"}, Provides: "analysis"},
		task.Definition{Name: "tailor", InputKeys: []string{"parsed", "analysis", task.JobIDKey}, Provides: "tailored"},
	)
	reg := NewRegistry(tasks)
	good := Definition{Name: "tailor", Inputs: []string{"resume", "posting"}, Tasks: []TaskRef{
		{Name: "parse"}, {Name: "analyze"}, {Name: "tailor", After: []string{"parse", "analyze"}},
	}}
	if err := reg.Register(good); err != nil {
		t.Fatalf("register good: %v", err)
	}
	bad := Definition{Name: "broken", Inputs: []string{"resume", "posting"}, Tasks: []TaskRef{
		{Name: "parse"}, {Name: "analyze"}, {Name: "tailor", After: []string{"parse"}},
	}}
	var unsatisfied *UnsatisfiedInputError
	if err := reg.Register(bad); !errors.As(err, &unsatisfied) {
		t.Fatalf("expected UnsatisfiedInputError, got %v", err)
	}
	if unsatisfied.Key != "analysis" {
		t.Fatalf("unexpected key %q", unsatisfied.Key)
	}
	undeclared := bad
	undeclared.Name = "lenient"
	undeclared.Inputs = nil
	if err := reg.Register(undeclared); err != nil {
		t.Fatalf("input check should be skipped without declared inputs: %v", err)
	}
}
