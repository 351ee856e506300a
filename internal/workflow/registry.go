package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tianpai/kairos-sub000/internal/task"
)

// TaskLookup resolves registered task definitions.
type TaskLookup interface {
	Lookup(name string) (task.Definition, bool)
}

// DuplicateWorkflowError reports a second registration under the same name.
type DuplicateWorkflowError struct {
	Name string
}

func (e *DuplicateWorkflowError) Error() string {
	return fmt.Sprintf("workflow: %s already registered", e.Name)
}

// UnknownTaskError reports a workflow referencing an unregistered task.
type UnknownTaskError struct {
	Workflow string
	Task     string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("workflow %s: unknown task %s", e.Workflow, e.Task)
}

// CyclicDependencyError reports prerequisite edges that form a cycle.
type CyclicDependencyError struct {
	Workflow string
	Tasks    []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("workflow %s: cyclic dependency among %s", e.Workflow, strings.Join(e.Tasks, ", "))
}

// UnsatisfiedInputError reports a task input that neither the declared
// workflow inputs nor any prerequisite provides.
type UnsatisfiedInputError struct {
	Workflow string
	Task     string
	Key      string
}

func (e *UnsatisfiedInputError) Error() string {
	return fmt.Sprintf("workflow %s: task %s input %s is never provided", e.Workflow, e.Task, e.Key)
}

type registeredWorkflow struct {
	def   Definition
	order []string
}

// Registry maintains validated workflow definitions.
type Registry struct {
	tasks TaskLookup

	mu   sync.RWMutex
	defs map[string]registeredWorkflow
}

// NewRegistry returns an empty registry validating against tasks.
func NewRegistry(tasks TaskLookup) *Registry {
	return &Registry{tasks: tasks, defs: map[string]registeredWorkflow{}}
}

// Register validates and installs a workflow definition.
func (r *Registry) Register(def Definition) error {
	if r.tasks == nil {
		return fmt.Errorf("workflow: task registry is required")
	}
	normalized, err := def.Normalized()
	if err != nil {
		return err
	}
	defs := make(map[string]task.Definition, len(normalized.Tasks))
	for _, name := range normalized.TaskNames() {
		taskDef, ok := r.tasks.Lookup(name)
		if !ok {
			return &UnknownTaskError{Workflow: normalized.Name, Task: name}
		}
		defs[name] = taskDef
	}
	if err := r.checkPrerequisites(normalized, defs); err != nil {
		return err
	}
	graph := normalized.Graph()
	order, cyclic := topologicalSort(normalized.TaskNames(), graph)
	if len(cyclic) > 0 {
		return &CyclicDependencyError{Workflow: normalized.Name, Tasks: cyclic}
	}
	if len(normalized.Inputs) > 0 {
		if err := checkInputs(normalized, graph, order, defs); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[normalized.Name]; exists {
		return &DuplicateWorkflowError{Name: normalized.Name}
	}
	r.defs[normalized.Name] = registeredWorkflow{def: normalized, order: order}
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns a copy of the named workflow.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	entry, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, false
	}
	return entry.def.Clone(), true
}

// Order returns the workflow's tasks in a valid execution order.
func (r *Registry) Order(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneStringSlice(r.defs[name].order)
}

// EntryTasks returns tasks without prerequisites, the initial dispatch set.
func (r *Registry) EntryTasks(name string) []string {
	def, ok := r.Lookup(name)
	if !ok {
		return nil
	}
	return def.EntryTasks()
}

// PrerequisitesSatisfied reports whether every prerequisite of the task is
// in completed.
func (r *Registry) PrerequisitesSatisfied(name, taskName string, completed map[string]bool) bool {
	def, ok := r.Lookup(name)
	if !ok {
		return false
	}
	return def.PrerequisitesSatisfied(taskName, completed)
}

// Names returns a sorted list of registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkPrerequisites rejects after entries naming tasks outside the workflow.
// Self references are left to the cycle check.
func (r *Registry) checkPrerequisites(def Definition, declared map[string]task.Definition) error {
	for _, ref := range def.Tasks {
		for _, dep := range ref.After {
			if _, ok := declared[dep]; ok {
				continue
			}
			if _, ok := r.tasks.Lookup(dep); !ok {
				return &UnknownTaskError{Workflow: def.Name, Task: dep}
			}
			return fmt.Errorf("workflow %s: task %s runs after %s, which is not part of the workflow", def.Name, ref.Name, dep)
		}
	}
	return nil
}

func checkInputs(def Definition, graph DependencyGraph, order []string, defs map[string]task.Definition) error {
	supplied := map[string]struct{}{task.JobIDKey: {}}
	for _, key := range def.Inputs {
		supplied[key] = struct{}{}
	}
	for _, name := range order {
		available := make(map[string]struct{}, len(supplied))
		for key := range supplied {
			available[key] = struct{}{}
		}
		for upstream := range ancestors(graph, name) {
			if provides := defs[upstream].Provides; provides != "" {
				available[provides] = struct{}{}
			}
		}
		for _, key := range defs[name].InputKeys {
			if _, ok := available[key]; !ok {
				return &UnsatisfiedInputError{Workflow: def.Name, Task: name, Key: key}
			}
		}
	}
	return nil
}
