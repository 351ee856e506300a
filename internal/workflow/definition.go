package workflow

import (
	"fmt"
	"strings"
)

// DependencyGraph maps a task name to the task names that must complete
// before it may run.
type DependencyGraph map[string][]string

// Clone returns a deep copy of the graph.
func (g DependencyGraph) Clone() DependencyGraph {
	if len(g) == 0 {
		return nil
	}
	out := make(DependencyGraph, len(g))
	for key, deps := range g {
		if len(deps) == 0 {
			out[key] = nil
			continue
		}
		clone := make([]string, len(deps))
		copy(clone, deps)
		out[key] = clone
	}
	return out
}

// TaskRef places a registered task inside a workflow.
type TaskRef struct {
	Name  string   `json:"name" yaml:"name"`
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Definition declares a workflow DAG over registered tasks.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Inputs optionally declares the context keys supplied when the workflow
	// starts. When present, registration checks every task input is reachable.
	Inputs []string  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Tasks  []TaskRef `json:"tasks" yaml:"tasks"`
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := Definition{
		Name:        def.Name,
		Description: def.Description,
		Inputs:      cloneStringSlice(def.Inputs),
	}
	if len(def.Tasks) > 0 {
		clone.Tasks = make([]TaskRef, len(def.Tasks))
		for i, ref := range def.Tasks {
			clone.Tasks[i] = TaskRef{Name: ref.Name, After: cloneStringSlice(ref.After)}
		}
	}
	return clone
}

// Validate ensures every task is named once. Prerequisite references and
// cycles are checked by the registry, which can tell unregistered tasks apart.
func (def Definition) Validate() error {
	if def.Name == "" {
		return fmt.Errorf("workflow: name is required")
	}
	if len(def.Tasks) == 0 {
		return fmt.Errorf("workflow %s: at least one task is required", def.Name)
	}
	seen := map[string]struct{}{}
	for idx, ref := range def.Tasks {
		if ref.Name == "" {
			return fmt.Errorf("workflow %s task[%d]: name is required", def.Name, idx)
		}
		if _, exists := seen[ref.Name]; exists {
			return fmt.Errorf("workflow %s: duplicate task %s", def.Name, ref.Name)
		}
		seen[ref.Name] = struct{}{}
	}
	return nil
}

// Normalized trims names, collapses duplicate prerequisites, and validates the
// result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	clone.Name = strings.TrimSpace(clone.Name)
	clone.Inputs = mergeDependencies(nil, clone.Inputs)
	for i := range clone.Tasks {
		clone.Tasks[i].Name = strings.TrimSpace(clone.Tasks[i].Name)
		clone.Tasks[i].After = mergeDependencies(nil, clone.Tasks[i].After)
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}

// TaskNames returns the workflow's tasks in declaration order.
func (def Definition) TaskNames() []string {
	names := make([]string, 0, len(def.Tasks))
	for _, ref := range def.Tasks {
		names = append(names, ref.Name)
	}
	return names
}

// Graph returns the prerequisite edges keyed by task name.
func (def Definition) Graph() DependencyGraph {
	graph := make(DependencyGraph, len(def.Tasks))
	for _, ref := range def.Tasks {
		graph[ref.Name] = cloneStringSlice(ref.After)
	}
	return graph
}

// After returns the prerequisite list for a task.
func (def Definition) After(name string) []string {
	for _, ref := range def.Tasks {
		if ref.Name == name {
			return cloneStringSlice(ref.After)
		}
	}
	return nil
}

// Contains reports whether the workflow declares the task.
func (def Definition) Contains(name string) bool {
	for _, ref := range def.Tasks {
		if ref.Name == name {
			return true
		}
	}
	return false
}

// EntryTasks returns the tasks with no prerequisites in declaration order.
func (def Definition) EntryTasks() []string {
	var entries []string
	for _, ref := range def.Tasks {
		if len(ref.After) == 0 {
			entries = append(entries, ref.Name)
		}
	}
	return entries
}

// PrerequisitesSatisfied reports whether every prerequisite of the task is in
// the completed set.
func (def Definition) PrerequisitesSatisfied(name string, completed map[string]bool) bool {
	for _, ref := range def.Tasks {
		if ref.Name != name {
			continue
		}
		for _, dep := range ref.After {
			if !completed[dep] {
				return false
			}
		}
		return true
	}
	return false
}

func mergeDependencies(existing, adds []string) []string {
	if len(existing) == 0 && len(adds) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(existing)+len(adds))
	var merged []string
	for _, value := range append(append([]string(nil), existing...), adds...) {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		merged = append(merged, trimmed)
	}
	return merged
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
