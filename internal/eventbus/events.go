package eventbus

import "github.com/tianpai/kairos-sub000/internal/workflow"

// Type names an engine notification.
type Type string

const (
	TypeStateChanged      Type = "state-changed"
	TypeTaskCompleted     Type = "task-completed"
	TypeTaskFailed        Type = "task-failed"
	TypeWorkflowCompleted Type = "workflow-completed"
	TypePartialUpdate     Type = "partial-update"
)

// Types lists every event type in a stable order.
func Types() []Type {
	return []Type{TypeStateChanged, TypeTaskCompleted, TypeTaskFailed, TypeWorkflowCompleted, TypePartialUpdate}
}

// Event is implemented by every payload the engine publishes.
type Event interface {
	Type() Type
	Job() string
}

// StateChanged carries a full snapshot after any task or workflow transition.
type StateChanged struct {
	JobID    string            `json:"job_id"`
	Snapshot workflow.Snapshot `json:"snapshot"`
}

func (StateChanged) Type() Type { return TypeStateChanged }
func (e StateChanged) Job() string { return e.JobID }

// TaskCompleted announces a successful task and its result.
type TaskCompleted struct {
	JobID       string `json:"job_id"`
	TaskName    string `json:"task_name"`
	ProvidesKey string `json:"provides_key,omitempty"`
	Result      any    `json:"result,omitempty"`
}

func (TaskCompleted) Type() Type { return TypeTaskCompleted }
func (e TaskCompleted) Job() string { return e.JobID }

// TaskFailed announces a failed task.
type TaskFailed struct {
	JobID    string `json:"job_id"`
	TaskName string `json:"task_name"`
	Error    string `json:"error"`
}

func (TaskFailed) Type() Type { return TypeTaskFailed }
func (e TaskFailed) Job() string { return e.JobID }

// WorkflowCompleted is published once when every task has completed.
type WorkflowCompleted struct {
	JobID        string `json:"job_id"`
	WorkflowName string `json:"workflow_name"`
}

func (WorkflowCompleted) Type() Type { return TypeWorkflowCompleted }
func (e WorkflowCompleted) Job() string { return e.JobID }

// PartialUpdate forwards an in-progress value from a streaming task. Each
// value is the latest full snapshot of the output.
type PartialUpdate struct {
	JobID    string `json:"job_id"`
	TaskName string `json:"task_name"`
	Value    any    `json:"value"`
}

func (PartialUpdate) Type() Type { return TypePartialUpdate }
func (e PartialUpdate) Job() string { return e.JobID }
