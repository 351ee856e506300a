package eventbridge

import (
	"context"
	"time"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// Envelope is the JSON form of an engine event sent to stream clients.
type Envelope struct {
	Type       eventbus.Type      `json:"type"`
	JobID      string             `json:"job_id"`
	ServerTime time.Time          `json:"server_time"`
	TaskName   string             `json:"task_name,omitempty"`
	Provides   string             `json:"provides_key,omitempty"`
	Result     any                `json:"result,omitempty"`
	Value      any                `json:"value,omitempty"`
	Error      string             `json:"error,omitempty"`
	Workflow   string             `json:"workflow_name,omitempty"`
	Snapshot   *workflow.Snapshot `json:"snapshot,omitempty"`
}

// EncodeEvent flattens an engine event into an Envelope.
func EncodeEvent(evt eventbus.Event, now time.Time) Envelope {
	env := Envelope{Type: evt.Type(), JobID: evt.Job(), ServerTime: now.UTC()}
	switch e := evt.(type) {
	case eventbus.StateChanged:
		snap := e.Snapshot.Clone()
		env.Snapshot = &snap
		env.Workflow = snap.WorkflowName
	case eventbus.TaskCompleted:
		env.TaskName = e.TaskName
		env.Provides = e.ProvidesKey
		env.Result = e.Result
	case eventbus.TaskFailed:
		env.TaskName = e.TaskName
		env.Error = e.Error
	case eventbus.WorkflowCompleted:
		env.Workflow = e.WorkflowName
	case eventbus.PartialUpdate:
		env.TaskName = e.TaskName
		env.Value = e.Value
	}
	return env
}

// Engine is the workflow API the bridge exposes. *engine.Engine satisfies it.
type Engine interface {
	StartWorkflow(ctx context.Context, workflowName, jobID string, initial map[string]any) (workflow.Snapshot, error)
	RetryFailedTasks(ctx context.Context, jobID string) ([]string, error)
	GetWorkflowSteps(ctx context.Context, jobID string) (workflow.Snapshot, error)
}

// SnapshotLister lists persisted jobs for GET /jobs.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context) ([]workflow.Snapshot, error)
}

// Subscriber opens per-job event subscriptions. *eventbus.Router satisfies it.
type Subscriber interface {
	Subscribe(jobID string) eventbus.Subscription
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// JobSummary is one entry of GET /jobs.
type JobSummary struct {
	JobID        string          `json:"job_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       workflow.Status `json:"status"`
	Error        string          `json:"error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type retryResponse struct {
	JobID   string   `json:"job_id"`
	Retried []string `json:"retried"`
}

type errorResponse struct {
	Error string `json:"error"`
}
