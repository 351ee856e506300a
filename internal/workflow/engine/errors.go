package engine

import (
	"fmt"

	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// UnknownWorkflowError is returned when starting an unregistered workflow.
type UnknownWorkflowError struct {
	Name string
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("workflow engine: unknown workflow %s", e.Name)
}

// UnknownJobError is returned when a job has neither an active instance nor a
// persisted snapshot.
type UnknownJobError struct {
	JobID string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("workflow engine: no workflow for job %s", e.JobID)
}

// InvalidStateError is returned when an operation is not legal in the job's
// current status. No state is mutated.
type InvalidStateError struct {
	JobID  string
	Status workflow.Status
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("workflow engine: cannot %s job %s while %s", e.Op, e.JobID, e.Status)
}
