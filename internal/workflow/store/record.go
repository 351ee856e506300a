package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// Record is the live instance and context pair for one job. Every mutation
// happens under the record's mutex so per-job transitions are totally
// ordered. A record detached from its store (cleared or superseded) rejects
// all mutations, which is how late callbacks from abandoned runs are ignored.
type Record struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	jobID     string
	workflow  string
	runID     string
	tasks     []string
	states    map[string]workflow.TaskStatus
	errors    map[string]string
	status    workflow.Status
	err       string
	values    map[string]any
	detached  bool
	announced bool
	version   uint64
	updatedAt time.Time
	clock     func() time.Time
}

// JobID returns the owning job.
func (r *Record) JobID() string { return r.jobID }

// RunID identifies this instance generation.
func (r *Record) RunID() string { return r.runID }

// WorkflowName returns the workflow this instance runs.
func (r *Record) WorkflowName() string { return r.workflow }

// Active reports whether the record is still the store's current instance.
func (r *Record) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.detached
}

// View returns a snapshot copy of the record.
func (r *Record) View() workflow.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Values returns a copy of the accumulated context.
func (r *Record) Values() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneValues(r.values)
}

// Status returns the aggregate status.
func (r *Record) Status() workflow.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// TaskStatus returns the status of one task.
func (r *Record) TaskStatus(name string) (workflow.TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.states[name]
	return status, ok
}

// Claim moves a pending task to running while the workflow is running. Only
// one caller can win the claim for a given pending transition.
func (r *Record) Claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached || r.status != workflow.StatusRunning {
		return false
	}
	if r.states[name] != workflow.TaskPending {
		return false
	}
	r.states[name] = workflow.TaskRunning
	r.touch()
	return true
}

// SetTaskStatus updates a single task. A failed status records msg and flips
// the workflow to failed. Returns false when the record is detached or the
// task is unknown.
func (r *Record) SetTaskStatus(name string, status workflow.TaskStatus, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	if _, ok := r.states[name]; !ok {
		return false
	}
	r.states[name] = status
	if status == workflow.TaskFailed {
		r.errors[name] = msg
		r.status = workflow.StatusFailed
		r.err = fmt.Sprintf("Task %s failed: %s", name, msg)
	} else {
		delete(r.errors, name)
	}
	r.touch()
	return true
}

// CompleteTask merges a result into the context under provides (when set) and
// marks the task completed in one step.
func (r *Record) CompleteTask(name, provides string, result any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	if r.states[name] != workflow.TaskRunning {
		return false
	}
	if provides != "" {
		r.values[provides] = result
	}
	r.states[name] = workflow.TaskCompleted
	delete(r.errors, name)
	r.touch()
	return true
}

// UpdateContext merges patch into the context. Later writes win.
func (r *Record) UpdateContext(patch map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	for key, value := range patch {
		r.values[key] = value
	}
	r.touch()
	return true
}

// Complete marks the workflow completed.
func (r *Record) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return false
	}
	r.status = workflow.StatusCompleted
	r.touch()
	return true
}

// MaybeComplete transitions a running workflow whose tasks are all completed
// to completed. It returns true exactly once per instance.
func (r *Record) MaybeComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached || r.announced || r.status != workflow.StatusRunning {
		return false
	}
	for _, status := range r.states {
		if status != workflow.TaskCompleted {
			return false
		}
	}
	r.status = workflow.StatusCompleted
	r.announced = true
	r.touch()
	return true
}

// ResetFailed returns every failed task to pending and the workflow to
// running. It reports false without mutating anything unless the workflow is
// currently failed.
func (r *Record) ResetFailed() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached || r.status != workflow.StatusFailed {
		return nil, false
	}
	var retried []string
	for _, name := range r.tasks {
		if r.states[name] == workflow.TaskFailed {
			r.states[name] = workflow.TaskPending
			delete(r.errors, name)
			retried = append(retried, name)
		}
	}
	r.status = workflow.StatusRunning
	r.err = ""
	r.touch()
	return retried, true
}

// Persist hands the current view to save. Calls are serialized per record and
// each takes a fresh view, so the last write always carries the newest
// state. Detached records are skipped and report false.
func (r *Record) Persist(save func(workflow.Snapshot) error) (workflow.Snapshot, bool, error) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return workflow.Snapshot{}, false, nil
	}
	snap := r.viewLocked()
	r.mu.Unlock()
	return snap, true, save(snap)
}

// detach waits for an in-flight Persist so a superseded run can never write
// after its replacement.
func (r *Record) detach() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	r.detached = true
	r.mu.Unlock()
}

func (r *Record) touch() {
	r.version++
	r.updatedAt = r.clock()
}

func (r *Record) viewLocked() workflow.Snapshot {
	snap := workflow.Snapshot{
		JobID:        r.jobID,
		WorkflowName: r.workflow,
		RunID:        r.runID,
		Version:      r.version,
		Tasks:        append([]string(nil), r.tasks...),
		TaskStates:   make(map[string]workflow.TaskStatus, len(r.states)),
		Status:       r.status,
		Error:        r.err,
		Context:      cloneValues(r.values),
		UpdatedAt:    r.updatedAt,
	}
	for name, status := range r.states {
		snap.TaskStates[name] = status
	}
	if len(r.errors) > 0 {
		snap.TaskErrors = make(map[string]string, len(r.errors))
		for name, msg := range r.errors {
			snap.TaskErrors[name] = msg
		}
	}
	return snap
}

func cloneValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
