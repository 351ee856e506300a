package engine

import "github.com/tianpai/kairos-sub000/internal/workflow"

// InterruptedMessage is recorded on tasks found running in a persisted
// snapshot with no live instance.
const InterruptedMessage = "Workflow was interrupted"

// RecoverStaleWorkflow reinterprets a persisted snapshot that claims to be
// running while nothing in this process is executing it. Tasks still marked
// running are failed as interrupted and the workflow fails. A snapshot whose
// tasks all completed is marked completed instead. When nothing was running
// (the process stopped between a completion and the next claim) the pending
// tasks are failed as interrupted, so a failed workflow always has a failed
// task for retry to reset. Non-running snapshots are returned unchanged. The
// input is never mutated; callers persist the result.
func RecoverStaleWorkflow(snap workflow.Snapshot) workflow.Snapshot {
	out := snap.Clone()
	if out.Status != workflow.StatusRunning {
		return out
	}
	if len(out.TaskStates) > 0 && len(out.Completed()) == len(out.TaskStates) {
		out.Status = workflow.StatusCompleted
		return out
	}
	interrupted := out.TasksIn(workflow.TaskRunning)
	if len(interrupted) == 0 && len(out.TasksIn(workflow.TaskFailed)) == 0 {
		interrupted = out.TasksIn(workflow.TaskPending)
	}
	if len(interrupted) > 0 && out.TaskErrors == nil {
		out.TaskErrors = make(map[string]string, len(interrupted))
	}
	for _, name := range interrupted {
		out.TaskStates[name] = workflow.TaskFailed
		out.TaskErrors[name] = InterruptedMessage
	}
	out.Status = workflow.StatusFailed
	out.Error = InterruptedMessage
	return out
}
