package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
	"github.com/tianpai/kairos-sub000/internal/workflow/store"
)

// SnapshotStore persists workflow snapshots per job. LoadWorkflowSnapshot
// returns workflow.ErrSnapshotNotFound when nothing was saved yet.
type SnapshotStore interface {
	SaveWorkflowSnapshot(ctx context.Context, jobID string, snap workflow.Snapshot) error
	LoadWorkflowSnapshot(ctx context.Context, jobID string) (workflow.Snapshot, error)
}

// Publisher receives engine events. *eventbus.Bus satisfies it.
type Publisher interface {
	Emit(eventbus.Event)
}

// WorkflowLookup resolves registered workflows. *workflow.Registry satisfies it.
type WorkflowLookup interface {
	Lookup(name string) (workflow.Definition, bool)
}

// Logger matches the structured methods of *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopPublisher struct{}

func (nopPublisher) Emit(eventbus.Event) {}

// Engine schedules workflow tasks for any number of independent jobs.
type Engine struct {
	tasks     workflow.TaskLookup
	workflows WorkflowLookup
	snapshots SnapshotStore
	events    Publisher
	store     *store.Store
	logger    Logger
	clock     func() time.Time
	super     *supervisor
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the default discarding logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore supplies the in-memory instance store. By default the engine
// creates its own using the engine clock.
func WithStore(s *store.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// New wires an engine to the registries, the snapshot persistence service,
// and an event publisher. A nil publisher discards events.
func New(tasks workflow.TaskLookup, workflows WorkflowLookup, snapshots SnapshotStore, events Publisher, opts ...Option) (*Engine, error) {
	if tasks == nil {
		return nil, fmt.Errorf("workflow engine: task registry is required")
	}
	if workflows == nil {
		return nil, fmt.Errorf("workflow engine: workflow registry is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("workflow engine: snapshot store is required")
	}
	if events == nil {
		events = nopPublisher{}
	}
	e := &Engine{
		tasks:     tasks,
		workflows: workflows,
		snapshots: snapshots,
		events:    events,
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.New(store.WithClock(e.clock))
	}
	e.super = newSupervisor(e.logger)
	return e, nil
}

// StartWorkflow initializes a fresh instance of the named workflow for the job
// and dispatches its entry tasks without waiting for them. Any previous
// instance for the job is superseded.
func (e *Engine) StartWorkflow(ctx context.Context, workflowName, jobID string, initial map[string]any) (workflow.Snapshot, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return workflow.Snapshot{}, fmt.Errorf("workflow engine: job id is required")
	}
	def, ok := e.workflows.Lookup(workflowName)
	if !ok {
		return workflow.Snapshot{}, &UnknownWorkflowError{Name: workflowName}
	}
	for _, name := range def.TaskNames() {
		if _, ok := e.tasks.Lookup(name); !ok {
			return workflow.Snapshot{}, &workflow.UnknownTaskError{Workflow: def.Name, Task: name}
		}
	}
	rec := e.store.Init(jobID, def.Name, def.TaskNames(), initial)
	snap, ok := e.persistRecord(ctx, rec)
	if !ok {
		return rec.View(), nil
	}
	e.events.Emit(eventbus.StateChanged{JobID: jobID, Snapshot: snap})
	e.logger.Info("workflow started", "job", jobID, "workflow", def.Name, "run", rec.RunID())

	runCtx := context.WithoutCancel(ctx)
	for _, name := range def.EntryTasks() {
		e.dispatch(runCtx, rec, def, name)
	}
	return snap, nil
}

// RetryFailedTasks resets every failed task of the job to pending and resumes
// scheduling. When the job has no active instance the persisted snapshot is
// recovered and rehydrated first. Returns the retried task names.
func (e *Engine) RetryFailedTasks(ctx context.Context, jobID string) ([]string, error) {
	rec, ok := e.store.Get(jobID)
	if !ok {
		restored, err := e.rehydrate(ctx, jobID)
		if err != nil {
			return nil, err
		}
		rec = restored
	}
	def, ok := e.workflows.Lookup(rec.WorkflowName())
	if !ok {
		return nil, &UnknownWorkflowError{Name: rec.WorkflowName()}
	}
	retried, ok := rec.ResetFailed()
	if !ok {
		return nil, &InvalidStateError{JobID: jobID, Status: rec.Status(), Op: "retry"}
	}
	if snap, ok := e.persistRecord(ctx, rec); ok {
		e.events.Emit(eventbus.StateChanged{JobID: jobID, Snapshot: snap})
	}
	e.logger.Info("retrying failed tasks", "job", jobID, "tasks", retried)
	e.startReadyTasks(context.WithoutCancel(ctx), rec, def)
	return retried, nil
}

// GetWorkflowSteps returns the job's current snapshot, preferring the active
// in-memory instance. A persisted snapshot is returned as it would recover, but
// nothing is written: another process may still own the run. Only
// RetryFailedTasks persists the recovered state.
func (e *Engine) GetWorkflowSteps(ctx context.Context, jobID string) (workflow.Snapshot, error) {
	if snap, ok := e.store.Snapshot(jobID); ok {
		return snap, nil
	}
	persisted, err := e.snapshots.LoadWorkflowSnapshot(ctx, jobID)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	return RecoverStaleWorkflow(persisted), nil
}

// ActiveJobs lists jobs with an in-memory instance.
func (e *Engine) ActiveJobs() []string {
	return e.store.Jobs()
}

// Wait blocks until no dispatched work is in flight.
func (e *Engine) Wait() {
	<-e.super.Idle()
}

// Shutdown waits for in-flight work or until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	select {
	case <-e.super.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) rehydrate(ctx context.Context, jobID string) (*store.Record, error) {
	persisted, err := e.snapshots.LoadWorkflowSnapshot(ctx, jobID)
	if err != nil {
		if errors.Is(err, workflow.ErrSnapshotNotFound) {
			return nil, &UnknownJobError{JobID: jobID}
		}
		return nil, err
	}
	recovered := RecoverStaleWorkflow(persisted)
	if recovered.Status != workflow.StatusFailed {
		return nil, &InvalidStateError{JobID: jobID, Status: recovered.Status, Op: "retry"}
	}
	def, ok := e.workflows.Lookup(recovered.WorkflowName)
	if !ok {
		return nil, &UnknownWorkflowError{Name: recovered.WorkflowName}
	}
	recovered.Tasks = def.TaskNames()
	return e.store.Restore(recovered), nil
}

// persistRecord saves the record's current view and returns it. It reports
// false when the record has been superseded or cleared.
func (e *Engine) persistRecord(ctx context.Context, rec *store.Record) (workflow.Snapshot, bool) {
	snap, ok, err := rec.Persist(func(snap workflow.Snapshot) error {
		return e.snapshots.SaveWorkflowSnapshot(ctx, snap.JobID, snap)
	})
	if err != nil {
		e.logger.Warn("persist snapshot failed", "job", snap.JobID, "status", snap.Status, "err", err)
	}
	return snap, ok
}
