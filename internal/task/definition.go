package task

import (
	"context"
	"fmt"
	"strings"
)

// JobIDKey is seeded into every workflow context so tasks may declare the job
// identifier as an input.
const JobIDKey = "job_id"

// Input is the resolved set of context values handed to a task.
type Input map[string]any

// ExecuteFunc performs the work for a task. Streaming tasks report progress
// through meta.Emit before returning.
type ExecuteFunc func(ctx context.Context, input Input, meta Meta) (any, error)

// SuccessFunc runs after Execute succeeds, typically to persist the output.
type SuccessFunc func(ctx context.Context, jobID string, output any) error

// Definition describes an executable unit of work.
type Definition struct {
	Name      string
	InputKeys []string
	// Provides names the context key the output is written to. Empty means the
	// output is not merged back into the workflow context.
	Provides  string
	Streaming bool
	Execute   ExecuteFunc
	OnSuccess SuccessFunc
}

// Validate ensures the definition can be registered.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("task: name is required")
	}
	if d.Execute == nil {
		return fmt.Errorf("task %s: execute function is required", d.Name)
	}
	seen := make(map[string]struct{}, len(d.InputKeys))
	for idx, key := range d.InputKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("task %s: input[%d] is empty", d.Name, idx)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("task %s: duplicate input key %s", d.Name, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (d Definition) clone() Definition {
	out := d
	if len(d.InputKeys) > 0 {
		out.InputKeys = append([]string(nil), d.InputKeys...)
	}
	return out
}

// ResolveInput collects the task's declared inputs from the workflow context.
// The boolean is false when any key is absent, which means the task is not
// ready yet rather than a fault.
func ResolveInput(def Definition, values map[string]any) (Input, bool) {
	input := make(Input, len(def.InputKeys))
	for _, key := range def.InputKeys {
		value, ok := values[key]
		if !ok {
			return nil, false
		}
		input[key] = value
	}
	return input, true
}

// MissingInputs lists declared keys not present in values, in declaration order.
func MissingInputs(def Definition, values map[string]any) []string {
	var missing []string
	for _, key := range def.InputKeys {
		if _, ok := values[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
