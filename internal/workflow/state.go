package workflow

import (
	"errors"
	"sort"
	"time"
)

// ErrSnapshotNotFound is returned when no persisted snapshot exists for a job.
var ErrSnapshotNotFound = errors.New("workflow: snapshot not found")

// TaskStatus is the lifecycle state of a single task within a job.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status has no automatic successor.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Status is the aggregate state of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Snapshot is the externally visible state of one workflow instance. It is
// what gets persisted and what observers receive; it never aliases live state.
type Snapshot struct {
	JobID        string                `json:"job_id"`
	WorkflowName string                `json:"workflow_name"`
	RunID        string                `json:"run_id,omitempty"`
	Version      uint64                `json:"version"`
	Tasks        []string              `json:"tasks,omitempty"`
	TaskStates   map[string]TaskStatus `json:"task_states"`
	TaskErrors   map[string]string     `json:"task_errors,omitempty"`
	Status       Status                `json:"status"`
	Error        string                `json:"error,omitempty"`
	Context      map[string]any        `json:"context,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot. Context values are copied
// shallowly.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Tasks = cloneStringSlice(s.Tasks)
	if s.TaskStates != nil {
		out.TaskStates = make(map[string]TaskStatus, len(s.TaskStates))
		for name, status := range s.TaskStates {
			out.TaskStates[name] = status
		}
	}
	if s.TaskErrors != nil {
		out.TaskErrors = make(map[string]string, len(s.TaskErrors))
		for name, msg := range s.TaskErrors {
			out.TaskErrors[name] = msg
		}
	}
	if s.Context != nil {
		out.Context = make(map[string]any, len(s.Context))
		for key, value := range s.Context {
			out.Context[key] = value
		}
	}
	return out
}

// Completed returns the set of completed task names.
func (s Snapshot) Completed() map[string]bool {
	completed := make(map[string]bool, len(s.TaskStates))
	for name, status := range s.TaskStates {
		if status == TaskCompleted {
			completed[name] = true
		}
	}
	return completed
}

// TasksIn lists tasks with the given status, in declaration order when known.
func (s Snapshot) TasksIn(status TaskStatus) []string {
	var names []string
	for _, name := range s.OrderedTasks() {
		if s.TaskStates[name] == status {
			names = append(names, name)
		}
	}
	return names
}

// OrderedTasks returns task names in declaration order, falling back to the
// state map's keys in sorted order for snapshots persisted without Tasks.
func (s Snapshot) OrderedTasks() []string {
	if len(s.Tasks) > 0 {
		return cloneStringSlice(s.Tasks)
	}
	names := make([]string, 0, len(s.TaskStates))
	for name := range s.TaskStates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settled reports whether the instance will make no further progress
// without a retry: it completed, or it failed and no task is still running.
func (s Snapshot) Settled() bool {
	switch s.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		for _, status := range s.TaskStates {
			if status == TaskRunning {
				return false
			}
		}
		return true
	default:
		return false
	}
}
