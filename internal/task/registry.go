package task

import (
	"fmt"
	"sort"
	"sync"
)

// DuplicateTaskError reports a second registration under the same name.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task: %s already registered", e.Name)
}

// Registry maintains known task definitions. It is populated once at startup
// and read concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: map[string]Definition{}}
}

// Register installs a task definition. Returns *DuplicateTaskError if the name
// already exists.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return &DuplicateTaskError{Name: def.Name}
	}
	r.defs[def.Name] = def.clone()
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// Has reports whether a task is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[name]
	return ok
}

// Names returns a sorted list of registered task names.
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
