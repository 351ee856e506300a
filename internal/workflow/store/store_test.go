package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestInitCreatesPendingInstance(t *testing.T) {
	s := New(WithClock(fixedClock()))
	rec := s.Init("job-1", "tailor", []string{"a", "b"}, map[string]any{"x": 1})
	snap := rec.View()
	require.Equal(t, workflow.StatusRunning, snap.Status)
	require.Equal(t, workflow.TaskPending, snap.TaskStates["a"])
	require.Equal(t, workflow.TaskPending, snap.TaskStates["b"])
	require.Equal(t, 1, snap.Context["x"])
	require.Equal(t, "job-1", snap.Context[task.JobIDKey])
	require.Equal(t, []string{"a", "b"}, snap.Tasks)
	require.NotEmpty(t, snap.RunID)
}

func TestFailedTaskFlipsWorkflow(t *testing.T) {
	s := New()
	s.Init("job-1", "w", []string{"a", "b"}, nil)
	s.SetTaskStatus("job-1", "b", workflow.TaskFailed, "boom")
	snap, ok := s.Snapshot("job-1")
	require.True(t, ok)
	require.Equal(t, workflow.StatusFailed, snap.Status)
	require.Equal(t, "Task b failed: boom", snap.Error)
	require.Equal(t, "boom", snap.TaskErrors["b"])
}

func TestOperationsOnMissingJobAreNoops(t *testing.T) {
	s := New()
	s.SetTaskStatus("ghost", "a", workflow.TaskFailed, "boom")
	s.UpdateContext("ghost", map[string]any{"x": 1})
	s.Complete("ghost")
	s.Clear("ghost")
	_, ok := s.Snapshot("ghost")
	require.False(t, ok)
	require.Empty(t, s.Jobs())
}

func TestSupersededRecordRejectsMutations(t *testing.T) {
	s := New()
	old := s.Init("job-1", "w", []string{"a"}, nil)
	require.True(t, old.Claim("a"))
	fresh := s.Init("job-1", "w", []string{"a"}, nil)
	require.NotEqual(t, old.RunID(), fresh.RunID())
	require.False(t, old.Active())
	require.False(t, old.CompleteTask("a", "out", "late"))
	require.False(t, old.UpdateContext(map[string]any{"x": 1}))
	snap, _ := s.Snapshot("job-1")
	require.Equal(t, workflow.TaskPending, snap.TaskStates["a"])
	require.NotContains(t, snap.Context, "out")

	s.ClearRecord(old)
	_, ok := s.Get("job-1")
	require.True(t, ok, "clearing a superseded record must not remove the new one")
	s.ClearRecord(fresh)
	_, ok = s.Get("job-1")
	require.False(t, ok)
}

func TestClaimIsExclusive(t *testing.T) {
	s := New()
	rec := s.Init("job-1", "w", []string{"a"}, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rec.Claim("a") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
	status, _ := rec.TaskStatus("a")
	require.Equal(t, workflow.TaskRunning, status)
}

func TestClaimRefusedOnceWorkflowFailed(t *testing.T) {
	s := New()
	rec := s.Init("job-1", "w", []string{"a", "b"}, nil)
	rec.SetTaskStatus("a", workflow.TaskFailed, "boom")
	require.False(t, rec.Claim("b"))
}

func TestCompleteTaskMergesProvides(t *testing.T) {
	s := New()
	rec := s.Init("job-1", "w", []string{"a"}, nil)
	require.False(t, rec.CompleteTask("a", "out", 1), "pending task cannot complete")
	require.True(t, rec.Claim("a"))
	require.True(t, rec.CompleteTask("a", "out", 2))
	require.Equal(t, 2, rec.Values()["out"])
	require.True(t, rec.MaybeComplete())
	require.False(t, rec.MaybeComplete(), "completion is announced once")
	require.Equal(t, workflow.StatusCompleted, rec.Status())
}

func TestResetFailed(t *testing.T) {
	s := New()
	rec := s.Init("job-1", "w", []string{"a", "b", "c"}, nil)
	_, ok := rec.ResetFailed()
	require.False(t, ok, "reset only applies to failed workflows")

	require.True(t, rec.Claim("a"))
	require.True(t, rec.CompleteTask("a", "", nil))
	require.True(t, rec.Claim("b"))
	rec.SetTaskStatus("b", workflow.TaskFailed, "boom")
	retried, ok := rec.ResetFailed()
	require.True(t, ok)
	require.Equal(t, []string{"b"}, retried)
	snap := rec.View()
	require.Equal(t, workflow.StatusRunning, snap.Status)
	require.Empty(t, snap.Error)
	require.Empty(t, snap.TaskErrors)
	require.Equal(t, workflow.TaskCompleted, snap.TaskStates["a"])
	require.Equal(t, workflow.TaskPending, snap.TaskStates["b"])
}

func TestRestoreFromSnapshot(t *testing.T) {
	s := New()
	rec := s.Restore(workflow.Snapshot{
		JobID:        "job-9",
		WorkflowName: "w",
		TaskStates:   map[string]workflow.TaskStatus{"a": workflow.TaskCompleted, "b": workflow.TaskFailed},
		TaskErrors:   map[string]string{"b": "boom"},
		Status:       workflow.StatusFailed,
		Error:        "Task b failed: boom",
		Context:      map[string]any{"out": "kept"},
	})
	require.Equal(t, []string{"a", "b"}, rec.View().Tasks)
	require.Equal(t, "job-9", rec.Values()[task.JobIDKey])
	retried, ok := rec.ResetFailed()
	require.True(t, ok)
	require.Equal(t, []string{"b"}, retried)
	require.Equal(t, "kept", rec.Values()["out"])
}

func TestViewDoesNotAliasState(t *testing.T) {
	s := New()
	rec := s.Init("job-1", "w", []string{"a"}, map[string]any{"x": 1})
	snap := rec.View()
	snap.TaskStates["a"] = workflow.TaskCompleted
	snap.Context["x"] = 2
	again := rec.View()
	require.Equal(t, workflow.TaskPending, again.TaskStates["a"])
	require.Equal(t, 1, again.Context["x"])
}
