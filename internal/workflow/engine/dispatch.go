package engine

import (
	"context"
	"fmt"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/workflow"
	"github.com/tianpai/kairos-sub000/internal/workflow/store"
)

func (e *Engine) dispatch(ctx context.Context, rec *store.Record, def workflow.Definition, name string) {
	e.super.Go(rec.JobID()+"/"+name, func() {
		e.runTaskIfReady(ctx, rec, def, name)
	})
}

// runTaskIfReady executes the task only when the instance is current, the
// task is pending, every prerequisite has completed, and every declared input
// is in the context. Repeated or concurrent calls are no-ops.
func (e *Engine) runTaskIfReady(ctx context.Context, rec *store.Record, def workflow.Definition, name string) {
	if !rec.Active() {
		return
	}
	snap := rec.View()
	if snap.TaskStates[name] != workflow.TaskPending {
		return
	}
	if !def.PrerequisitesSatisfied(name, snap.Completed()) {
		return
	}
	taskDef, ok := e.tasks.Lookup(name)
	if !ok {
		e.failTask(ctx, rec, name, fmt.Sprintf("task %s is not registered", name))
		return
	}
	input, ok := task.ResolveInput(taskDef, snap.Context)
	if !ok {
		e.logger.Debug("task blocked on inputs", "job", rec.JobID(), "task", name, "missing", task.MissingInputs(taskDef, snap.Context))
		return
	}
	e.executeTask(ctx, rec, def, taskDef, input)
}

// executeTask claims the task, runs it, and commits the outcome. The claim
// fails when the workflow stopped running after the readiness check, which
// is a tolerated race rather than an error.
func (e *Engine) executeTask(ctx context.Context, rec *store.Record, def workflow.Definition, taskDef task.Definition, input task.Input) {
	jobID := rec.JobID()
	if !rec.Claim(taskDef.Name) {
		return
	}
	running, ok := e.persistRecord(ctx, rec)
	if !ok {
		return
	}
	e.events.Emit(eventbus.StateChanged{JobID: jobID, Snapshot: running})
	e.logger.Info("task dispatched", "job", jobID, "task", taskDef.Name)

	result, err := e.invoke(ctx, rec, taskDef, input)
	if err != nil {
		e.failTask(ctx, rec, taskDef.Name, err.Error())
		return
	}
	if !rec.Active() {
		e.logger.Debug("dropping result from superseded run", "job", jobID, "task", taskDef.Name, "run", rec.RunID())
		return
	}
	if taskDef.OnSuccess != nil {
		if err := callOnSuccess(ctx, taskDef, jobID, result); err != nil {
			e.failTask(ctx, rec, taskDef.Name, err.Error())
			return
		}
	}
	if !rec.CompleteTask(taskDef.Name, taskDef.Provides, result) {
		return
	}
	if _, ok := e.persistRecord(ctx, rec); !ok {
		return
	}
	e.events.Emit(eventbus.TaskCompleted{
		JobID:       jobID,
		TaskName:    taskDef.Name,
		ProvidesKey: taskDef.Provides,
		Result:      result,
	})
	e.logger.Info("task completed", "job", jobID, "task", taskDef.Name)
	e.startReadyTasks(ctx, rec, def)
}

// invoke runs Execute with a partial stream when the task is streaming. Every
// partial is published before invoke returns, so it precedes task-completed.
func (e *Engine) invoke(ctx context.Context, rec *store.Record, taskDef task.Definition, input task.Input) (any, error) {
	if !taskDef.Streaming {
		return callExecute(ctx, taskDef, input, task.NewMeta(rec.JobID(), taskDef.Name, nil))
	}
	stream := task.NewPartialStream()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for {
			select {
			case value := <-stream.Values():
				if rec.Active() {
					e.events.Emit(eventbus.PartialUpdate{JobID: rec.JobID(), TaskName: taskDef.Name, Value: value})
				}
			case <-stream.Done():
				return
			}
		}
	}()
	result, err := callExecute(ctx, taskDef, input, task.NewMeta(rec.JobID(), taskDef.Name, stream))
	stream.Close()
	<-forwarded
	return result, err
}

// startReadyTasks recomputes the ready set from scratch and dispatches each
// ready task concurrently. When nothing is ready and every task completed,
// the workflow completes and its in-memory state is cleared.
func (e *Engine) startReadyTasks(ctx context.Context, rec *store.Record, def workflow.Definition) {
	if !rec.Active() {
		return
	}
	snap := rec.View()
	if snap.Status != workflow.StatusRunning {
		return
	}
	completed := snap.Completed()
	var ready []string
	for _, name := range def.TaskNames() {
		if snap.TaskStates[name] != workflow.TaskPending {
			continue
		}
		if !def.PrerequisitesSatisfied(name, completed) {
			continue
		}
		taskDef, ok := e.tasks.Lookup(name)
		if !ok {
			continue
		}
		if _, ok := task.ResolveInput(taskDef, snap.Context); !ok {
			e.logger.Debug("task blocked on inputs", "job", rec.JobID(), "task", name, "missing", task.MissingInputs(taskDef, snap.Context))
			continue
		}
		ready = append(ready, name)
	}
	for _, name := range ready {
		e.dispatch(ctx, rec, def, name)
	}
	if len(ready) > 0 {
		return
	}
	if !rec.MaybeComplete() {
		return
	}
	final, ok := e.persistRecord(ctx, rec)
	if !ok {
		return
	}
	e.events.Emit(eventbus.StateChanged{JobID: final.JobID, Snapshot: final})
	e.events.Emit(eventbus.WorkflowCompleted{JobID: final.JobID, WorkflowName: final.WorkflowName})
	e.logger.Info("workflow completed", "job", final.JobID, "workflow", final.WorkflowName)
	e.store.ClearRecord(rec)
}

// failTask records the failure, which also fails the workflow, then persists
// and publishes task-failed followed by state-changed.
func (e *Engine) failTask(ctx context.Context, rec *store.Record, name, msg string) {
	if !rec.SetTaskStatus(name, workflow.TaskFailed, msg) {
		return
	}
	snap, ok := e.persistRecord(ctx, rec)
	if !ok {
		return
	}
	e.events.Emit(eventbus.TaskFailed{JobID: rec.JobID(), TaskName: name, Error: msg})
	e.events.Emit(eventbus.StateChanged{JobID: rec.JobID(), Snapshot: snap})
	e.logger.Warn("task failed", "job", rec.JobID(), "task", name, "err", msg)
}

func callExecute(ctx context.Context, def task.Definition, input task.Input, meta task.Meta) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", def.Name, r)
		}
	}()
	return def.Execute(ctx, input, meta)
}

func callOnSuccess(ctx context.Context, def task.Definition, jobID string, output any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s success handler panicked: %v", def.Name, r)
		}
	}()
	return def.OnSuccess(ctx, jobID, output)
}
